package main

import (
	"classmate/backend/internal/config"
	"classmate/backend/internal/invite"
	"classmate/backend/internal/livekit"
	"classmate/backend/internal/models"
	"classmate/backend/internal/pubsub"
	"classmate/backend/internal/storage"
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const usage = `Usage: admin <command> [args]

Commands:
  expire-invites [max_age]                      cancel pending invites older than max_age (default 60s)
  presence [study_room_id]                      list identities online globally or in a study room
  mint-token <user_id> <room_name> [role]       issue a LiveKit token after the usual access checks
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(1)
	}

	cfg := config.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	command := os.Args[1]

	switch command {
	case "expire-invites":
		maxAge := config.InviteStaleAfter
		if len(os.Args) > 2 {
			var err error
			maxAge, err = time.ParseDuration(os.Args[2])
			if err != nil || maxAge <= 0 {
				fmt.Println("Invalid max_age. Use a duration such as 90s or 5m.")
				os.Exit(1)
			}
		}
		s := storage.NewStorageService(openDB(cfg), nil)
		// Connected sessions only hear about the cancellation over Redis.
		var bus pubsub.Bus = pubsub.NewMemoryBus()
		if cfg.RedisURL != "" {
			bus = pubsub.NewRedisBus(openRedis(ctx, cfg))
		}
		svc := invite.NewService(s, bus, nil)
		n, err := svc.ExpireStale(ctx, maxAge)
		if err != nil {
			log.Fatalf("Error expiring invites: %v", err)
		}
		fmt.Printf("Cancelled %d stale invite(s).\n", n)
	case "presence":
		topic := config.GlobalPresenceTopic
		if len(os.Args) > 2 {
			topic = config.StudyRoomPresenceTopic(os.Args[2])
		}
		s := storage.NewStorageService(nil, openRedis(ctx, cfg))
		ids, err := s.OnlineIdentities(ctx, topic, time.Now().Add(-config.PresenceTTL))
		if err != nil {
			log.Fatalf("Error reading presence: %v", err)
		}
		fmt.Printf("%d online on %s\n", len(ids), topic)
		for _, id := range ids {
			fmt.Println(id)
		}
	case "mint-token":
		if len(os.Args) < 4 {
			fmt.Println("Usage: admin mint-token <user_id> <room_name> [role]")
			os.Exit(1)
		}
		token, err := mintToken(ctx, cfg, os.Args[2], os.Args[3], os.Args[4:])
		if err != nil {
			log.Fatalf("Error minting token: %v", err)
		}
		fmt.Printf("Identity: %s\nRole: %s\nExpires: %s\nURL: %s\n\n%s\n",
			token.Identity, token.Role, token.ExpiresAt.Format(time.RFC3339), token.URL, token.Token)
	default:
		fmt.Printf("Unknown command %q\n\n%s", command, usage)
		os.Exit(1)
	}
}

func mintToken(ctx context.Context, cfg *config.Config, userID, roomName string, rest []string) (*livekit.Token, error) {
	ref, err := livekit.ParseRoomName(roomName)
	if err != nil {
		return nil, err
	}
	req := livekit.TokenRequest{RoomName: roomName, ContextType: ref.ContextType}
	if len(rest) > 0 {
		req.Role = models.ParticipantRole(rest[0])
	}

	switch ref.ContextType {
	case models.ContextDM:
		for _, id := range ref.IDs {
			if id != userID {
				req.ContextID = id
			}
		}
	default:
		req.ContextID = ref.IDs[0]
	}

	s := storage.NewStorageService(openDB(cfg), nil)
	return livekit.NewIssuer(cfg, s).RequestToken(ctx, userID, req)
}

func openDB(cfg *config.Config) *gorm.DB {
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	return db
}

func openRedis(ctx context.Context, cfg *config.Config) *redis.Client {
	if cfg.RedisURL == "" {
		log.Fatal("REDIS_URL is required")
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("invalid REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	return rdb
}
