// Command client is a line-oriented terminal chat client. It keeps one
// connection alive through the reconnect manager.
//
// Input lines are sent to the active channel. /join <channel> subscribes,
// /leave <channel> unsubscribes and /quit exits.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ferbert-dev/bro-messenger/internal/auth"
	"github.com/ferbert-dev/bro-messenger/internal/logging"
	"github.com/ferbert-dev/bro-messenger/internal/protocol"
	"github.com/ferbert-dev/bro-messenger/internal/reconnect"
)

func main() {
	serverAddr := flag.String("server", "ws://localhost:8080/ws", "WebSocket endpoint")
	token := flag.String("token", os.Getenv("BRO_TOKEN"), "bearer token (defaults to $BRO_TOKEN)")
	user := flag.String("user", "", "mint a development token for this user id (requires -secret)")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "secret used with -user")
	channel := flag.String("channel", "", "channel to join on start")
	verbose := flag.Bool("v", false, "log connection state changes")
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger := logging.New(os.Stderr, level, true)

	if *token == "" && *user != "" {
		minted, err := mintToken(*secret, *user)
		if err != nil {
			logger.Fatal().Err(err).Msg("mint development token")
		}
		*token = minted
	}
	if *token == "" {
		logger.Fatal().Msg("a token is required: use -token, $BRO_TOKEN or -user with -secret")
	}

	m := reconnect.New(reconnect.Options{
		URL:     *serverAddr,
		Header:  http.Header{"Authorization": []string{"Bearer " + *token}},
		Handler: printEnvelope,
		OnState: func(s reconnect.State) {
			logger.Debug().Stringer("state", s).Msg("connection")
		},
		Logger: logger,
	})
	m.Start(context.Background())
	defer m.Close()

	if *channel != "" {
		if err := m.Subscribe(*channel); err != nil {
			logger.Fatal().Err(err).Msg("subscribe")
		}
	}

	fmt.Println("Type messages, /join <channel>, /leave <channel> or /quit:")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "/quit" || text == "/exit" {
			break
		}
		if err := handleLine(m, text); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error().Err(err).Msg("read input")
	}
}

func handleLine(m *reconnect.Manager, text string) error {
	cmd, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/join":
		if arg == "" {
			return fmt.Errorf("usage: /join <channel>")
		}
		return m.Subscribe(arg)
	case "/leave":
		if arg == "" {
			arg = m.Active()
		}
		if arg == "" {
			return fmt.Errorf("usage: /leave <channel>")
		}
		return m.Unsubscribe(arg)
	}

	active := m.Active()
	if active == "" {
		return fmt.Errorf("join a channel first")
	}
	return m.Send(active, text)
}

func printEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.KindWelcome:
		fmt.Printf("*** connected as %s ***\n", env.Identity)
	case protocol.KindSubscribed:
		fmt.Printf("*** joined %s ***\n", env.Channel)
	case protocol.KindUnsubscribed:
		fmt.Printf("*** left %s ***\n", env.Channel)
	case protocol.KindError:
		fmt.Printf("!!! %s %s\n", env.Code, env.Channel)
	case protocol.KindChatMessage:
		name := env.AuthorName
		if name == "" {
			name = env.AuthorID
		}
		fmt.Printf("[%s] %s %s: %s\n", env.Channel, clock(env.CreatedAt), name, env.Content)
	case protocol.KindChatSystem:
		fmt.Printf("[%s] %s *** %s ***\n", env.Channel, clock(env.CreatedAt), env.Content)
	default:
		fmt.Printf("? %+v\n", env)
	}
}

func clock(createdAt string) string {
	t, err := protocol.ParseTime(createdAt)
	if err != nil {
		return createdAt
	}
	return t.Local().Format("15:04:05")
}

func mintToken(secret, user string) (string, error) {
	v, err := auth.NewJWTVerifier(secret, nil)
	if err != nil {
		return "", err
	}
	return v.Issue(auth.Identity{UserID: user, Role: "user"}, 24*time.Hour)
}
