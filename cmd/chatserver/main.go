package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/devconnect/chat-service/internal/api"
	"github.com/devconnect/chat-service/internal/identity"
	"github.com/devconnect/chat-service/internal/message"
	"github.com/devconnect/chat-service/internal/messaging"
	"github.com/devconnect/chat-service/internal/metrics"
	"github.com/devconnect/chat-service/internal/protocol"
	"github.com/devconnect/chat-service/internal/ratelimit"
	"github.com/devconnect/chat-service/internal/registry"
	"github.com/devconnect/chat-service/internal/session"
	"github.com/devconnect/chat-service/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}
	if v := os.Getenv("PING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.PingInterval = d
		}
	}
	if v := os.Getenv("IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.IdleTimeout = d
		}
	}

	apiAddr := ":8081"
	if v := os.Getenv("API_ADDR"); v != "" {
		apiAddr = v
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "chat-1"
	}

	sessionStore, err := session.NewStore(redisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	chatStore := message.NewStore(sessionStore.Client())
	chatRegistry := registry.New(chatStore)
	limiter := ratelimit.NewLimiter(sessionStore.Client())

	// --- Postgres (optional) ---
	// Without a DSN the service still runs; member listings then show raw
	// identities instead of resolved profiles.
	var resolver api.IdentityResolver
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		db, err := identity.Open(dsn)
		if err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		if err := identity.Migrate(db); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		resolver = identity.NewStore(db)
	}

	log.Printf("DevConnect chat server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  api_addr:        %s", apiAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections:  %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  ping_interval:   %s", config.PingInterval)
	log.Printf("  idle_timeout:    %s", config.IdleTimeout)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  server_name:     %s", serverName)

	// Declare server early so closures can capture it.
	var server *ws.Server

	dispatcher := ws.NewMessageDispatcher(nil)

	// -----------------------------------------------------------------------
	// join-chat — start receiving a room's broadcasts
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoinChat, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinChatMsg)
		if !ok || joinMsg.ChatID == "" {
			dispatcher.SendError(conn, protocol.CodeInvalidMessage, "missing chatId")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		member, err := chatStore.IsMember(ctx, joinMsg.ChatID, conn.UserID)
		if err != nil {
			log.Printf("join-chat: membership check conn=%s chat=%s: %v", conn.ID, joinMsg.ChatID, err)
			dispatcher.SendError(conn, protocol.CodeStoreError, "chat store unavailable")
			return
		}
		if !member {
			dispatcher.SendError(conn, protocol.CodeNotMember, "not a member of this chat")
			return
		}

		server.Rooms().Join(joinMsg.ChatID, conn)
		if err := sessionStore.AddRoom(ctx, conn.ID, joinMsg.ChatID); err != nil {
			log.Printf("join-chat: persist room conn=%s chat=%s: %v", conn.ID, joinMsg.ChatID, err)
		}
		log.Printf("join-chat conn=%s user=%s chat=%s", conn.ID, conn.UserID, joinMsg.ChatID)
	})

	// -----------------------------------------------------------------------
	// leave-chat — stop receiving a room's broadcasts
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeLeaveChat, func(conn *ws.Connection, msg interface{}) {
		leaveMsg, ok := msg.(protocol.LeaveChatMsg)
		if !ok || leaveMsg.ChatID == "" {
			dispatcher.SendError(conn, protocol.CodeInvalidMessage, "missing chatId")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		server.Rooms().Leave(leaveMsg.ChatID, conn.ID)
		if err := sessionStore.RemoveRoom(ctx, conn.ID, leaveMsg.ChatID); err != nil {
			log.Printf("leave-chat: persist room conn=%s chat=%s: %v", conn.ID, leaveMsg.ChatID, err)
		}
		log.Printf("leave-chat conn=%s chat=%s", conn.ID, leaveMsg.ChatID)
	})

	// -----------------------------------------------------------------------
	// send-message — validate, persist, ack, fan out
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		sendMsg, ok := msg.(protocol.SendMessageMsg)
		if !ok || sendMsg.ChatID == "" {
			dispatcher.SendError(conn, protocol.CodeInvalidMessage, "missing chatId")
			return
		}
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		m := sendMsg.Message
		// The sender identity always comes from the connection, never from
		// the payload.
		m.SenderID = conn.UserID
		if m.ID == "" {
			m.ID = protocol.NewMessageID(time.Now())
		}
		if m.Timestamp == 0 {
			m.Timestamp = time.Now().UnixMilli()
		}

		if err := message.ValidateContent(m.Content); err != nil {
			metrics.SendFailures.WithLabelValues("ws").Inc()
			dispatcher.SendErrorFor(conn, protocol.CodeInvalidMessage, err.Error(), m.ID)
			return
		}

		member, err := chatStore.IsMember(ctx, sendMsg.ChatID, conn.UserID)
		if err != nil {
			metrics.SendFailures.WithLabelValues("ws").Inc()
			dispatcher.SendErrorFor(conn, protocol.CodeStoreError, "chat store unavailable", m.ID)
			return
		}
		if !member {
			metrics.SendFailures.WithLabelValues("ws").Inc()
			dispatcher.SendErrorFor(conn, protocol.CodeNotMember, "not a member of this chat", m.ID)
			return
		}

		if allowed, _ := limiter.Allow(ctx, conn.UserID, ratelimit.RuleMessage); !allowed {
			metrics.SendFailures.WithLabelValues("ws").Inc()
			dispatcher.SendErrorFor(conn, protocol.CodeRateLimited, "message rate limit exceeded", m.ID)
			return
		}

		if err := chatStore.AddMessage(ctx, sendMsg.ChatID, m); err != nil {
			log.Printf("send-message: persist conn=%s chat=%s: %v", conn.ID, sendMsg.ChatID, err)
			metrics.SendFailures.WithLabelValues("ws").Inc()
			dispatcher.SendErrorFor(conn, protocol.CodeStoreError, "chat store unavailable", m.ID)
			return
		}
		metrics.MessagesTotal.WithLabelValues("ws").Inc()

		// Ack first so the sender confirms promptly even if fanout lags.
		ack, _ := protocol.NewServerMessage(protocol.TypeAck, protocol.AckMsg{
			ChatID:    sendMsg.ChatID,
			MessageID: m.ID,
		})
		if err := conn.WriteMessage(ack); err != nil {
			log.Printf("send-message: ack conn=%s: %v", conn.ID, err)
		}

		event, _ := protocol.NewServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{
			ChatID:  sendMsg.ChatID,
			Message: m,
		})
		if err := natsClient.PublishChatEvent(sendMsg.ChatID, event); err != nil {
			log.Printf("send-message: fanout chat=%s: %v", sendMsg.ChatID, err)
		}
		metrics.BroadcastLatency.Observe(time.Since(start).Seconds())
	})

	server = ws.NewServer(config, sessionStore, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	// Every instance receives every room's events and delivers them to the
	// connections joined locally. Instances without local members for a room
	// simply find an empty table entry.
	if err := natsClient.SubscribeChatEvents(func(roomID string, data []byte) {
		server.Rooms().Broadcast(roomID, data)
	}); err != nil {
		log.Fatalf("failed to subscribe to chat events: %v", err)
	}

	// Room table and Redis session cleanup happen inside RemoveConnection;
	// nothing else holds per-connection state.
	server.SetOnDisconnect(func(conn *ws.Connection) {
		log.Printf("disconnect cleanup conn=%s user=%s", conn.ID, conn.UserID)
	})

	// --- REST API ---
	apiServer := api.NewServer(chatStore, chatRegistry, resolver, natsClient, limiter)
	httpServer := &http.Server{
		Addr:         apiAddr,
		Handler:      apiServer.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		log.Printf("REST API listening on %s", apiAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("api server error: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("api shutdown error: %v", err)
		}
		natsClient.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
