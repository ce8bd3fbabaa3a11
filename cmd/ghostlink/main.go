// cmd/ghostlink/main.go
// Terminal client for the anonymous pairing chat. Every running client
// performs matchmaking independently against the shared store; there is no
// server process to start.

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	awssession "github.com/aws/aws-sdk-go/aws/session"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ghostlink/ghostlink/internal/compose"
	"github.com/ghostlink/ghostlink/internal/config"
	"github.com/ghostlink/ghostlink/internal/profile"
	"github.com/ghostlink/ghostlink/internal/room"
	"github.com/ghostlink/ghostlink/internal/session"
	"github.com/ghostlink/ghostlink/internal/store"
	"github.com/ghostlink/ghostlink/internal/upload"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	gender := flag.String("gender", profile.GenderOther, "your gender: male, female or other")
	pref := flag.String("pref", profile.PreferenceAny, "partner gender preference: male, female, other or any")
	tags := flag.String("tags", "", "comma-separated interest tags")
	mature := flag.Bool("mature", false, "enable mature content (hard-partitions the pool)")
	local := flag.Bool("local", false, "use an in-process store instead of Redis (single-client smoke testing)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file found (%v), using environment variables", err)
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("configuration invalid: %v", err)
	}

	prof, err := profile.New(*gender, *pref, splitTags(*tags), *mature)
	if err != nil {
		log.Fatalf("bad profile: %v", err)
	}
	log.Printf("you are %s (%s)", prof.Nickname, prof.UserID)

	// Store unavailable at startup blocks entering the search entirely.
	var stateStore store.Store
	if *local {
		stateStore = store.NewMemoryBackend().Connect()
		log.Printf("using in-process store; nobody else can match you here")
	} else {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("invalid REDIS_URL: %v", err)
		}
		redisStore, err := store.NewRedisStore(redis.NewClient(opts), cfg.StorePrefix)
		if err != nil {
			log.Fatalf("cannot reach the shared store: %v", err)
		}
		stateStore = redisStore
	}
	defer stateStore.Close()

	var uploader upload.Uploader
	if cfg.UseS3 {
		awsSession, err := awssession.NewSession(&aws.Config{
			Region:      aws.String(cfg.AWSRegion),
			Credentials: credentials.NewStaticCredentials(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
		})
		if err != nil {
			log.Fatalf("AWS session: %v", err)
		}
		uploader = upload.NewS3Uploader(awsSession, cfg.S3Bucket, cfg.CDNBaseURL)
		log.Printf("image uploads enabled (bucket %s)", cfg.S3Bucket)
	} else {
		log.Printf("image uploads disabled (USE_S3=false)")
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Printf("metrics listening on %s", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Printf("metrics listener: %v", err)
			}
		}()
	}

	ctrl := session.NewController(stateStore, prof, session.Options{
		PollInterval:   cfg.PollInterval,
		TypingExpiry:   cfg.TypingExpiry,
		UploadErrorTTL: cfg.UploadErrorTTL,
		MaxImageBytes:  cfg.MaxImageBytes,
		Uploader:       uploader,
	})
	defer ctrl.Close()

	go printEvents(ctrl)

	ctx := context.Background()
	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("cannot start searching: %v", err)
	}
	fmt.Println("Searching for a partner... commands: /skip /leave /search /img <path> /quit")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		ctrl.Close()
		stateStore.Close()
		os.Exit(0)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := dispatch(ctx, ctrl, line); err != nil {
			fmt.Printf("! %v\n", err)
		}
	}
}

// splitTags breaks the comma-separated -tags flag value into a slice;
// trimming, lowercasing and deduplication happen in profile.New.
func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func dispatch(ctx context.Context, ctrl *session.Controller, line string) error {
	switch {
	case line == "/quit":
		ctrl.Close()
		os.Exit(0)
		return nil
	case line == "/skip":
		return ctrl.Skip(ctx)
	case line == "/leave":
		if err := ctrl.GoIdle(ctx); err == nil {
			return nil
		}
		return ctrl.Leave(ctx)
	case line == "/search":
		if err := ctrl.SearchAgain(ctx); err == nil {
			return nil
		}
		return ctrl.Start(ctx)
	case strings.HasPrefix(line, "/img "):
		return sendImage(ctx, ctrl, strings.TrimSpace(strings.TrimPrefix(line, "/img ")))
	default:
		return ctrl.SendMessage(ctx, line)
	}
}

func sendImage(ctx context.Context, ctrl *session.Controller, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	contentType := http.DetectContentType(data)
	return ctrl.SendImage(ctx, path, data, contentType)
}

// printEvents renders session events; it is the terminal stand-in for the
// display layer consuming the observable snapshot.
func printEvents(ctrl *session.Controller) {
	seen := 0
	typing := false
	for event := range ctrl.Events() {
		snap := event.Snapshot
		switch event.Type {
		case session.EventMatchFound:
			seen = 0
			typing = false
			fmt.Printf("* matched with %s (room %s), say hi!\n", snap.PartnerNickname, snap.RoomID)
		case session.EventPartnerLeft:
			fmt.Println("* your partner left. /search for a new one, /leave to go idle")
		case session.EventStateChanged:
			for ; seen < len(snap.Messages); seen++ {
				printMessage(snap.Messages[seen])
			}
			if len(snap.Messages) < seen {
				seen = len(snap.Messages)
			}
			if snap.PartnerTyping != typing {
				typing = snap.PartnerTyping
				if typing {
					fmt.Println("* partner is typing...")
				}
			}
		}
	}
}

func printMessage(msg room.Message) {
	if msg.Type == room.MessageImage {
		fmt.Printf("[%s] (image) %s\n", msg.SenderNickname, msg.ImageURL)
		return
	}
	fmt.Printf("[%s] %s\n", msg.SenderNickname, renderText(msg.Text))
	if embed := compose.DetectEmbed(msg.Text); embed != nil {
		fmt.Printf("  > %s: %s\n", embed.Type, embed.URL)
	}
}

// renderText hides spoiler segments behind block characters; the markup
// itself is stored verbatim and only interpreted here.
func renderText(text string) string {
	segments := compose.ParseSpoilers(text)
	var b strings.Builder
	for _, segment := range segments {
		if segment.Kind == compose.SegmentSpoiler {
			b.WriteString(strings.Repeat("█", utf8.RuneCountInString(segment.Content)))
		} else {
			b.WriteString(segment.Content)
		}
	}
	return b.String()
}
