// Command chatcli joins a relay session from the terminal.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/auth"
	"chatrelay/pkg/client"
	"chatrelay/pkg/types"

	"github.com/rs/zerolog"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "relay base URL")
	sessionID := flag.String("session", "", "session to join; empty creates one")
	userID := flag.String("user", "", "user ID (development identity mode)")
	role := flag.String("role", types.RoleUser, "USER or COUNSELOR (development identity mode)")
	token := flag.String("token", os.Getenv("CHATRELAY_TOKEN"), "JWT for the relay")
	secret := flag.String("secret", os.Getenv("CHATRELAY_AUTH_JWT_SECRET"), "mint a token for -user/-role with this HS256 secret")
	issuer := flag.String("issuer", "", "issuer claim for minted tokens")
	match := flag.Bool("match", false, "with no -session, have the server assign an online counselor")
	wait := flag.Bool("wait", false, "with no -session, wait in the lobby until a session is assigned")
	retries := flag.Int("retries", 5, "reconnect attempts before giving up")
	verbose := flag.Bool("v", false, "log connection events")
	flag.Parse()

	log.SetFlags(log.Ltime)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cliOptions{
		server:    *server,
		sessionID: *sessionID,
		userID:    *userID,
		role:      *role,
		token:     *token,
		secret:    *secret,
		issuer:    *issuer,
		match:     *match,
		wait:      *wait,
		retries:   *retries,
		verbose:   *verbose,
	}, os.Stdin, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

type cliOptions struct {
	server    string
	sessionID string
	userID    string
	role      string
	token     string
	secret    string
	issuer    string
	match     bool
	wait      bool
	retries   int
	verbose   bool
}

// resolveToken mints a short-lived token when a secret is given and no
// token was passed explicitly.
func resolveToken(o cliOptions) (string, error) {
	if o.token != "" || o.secret == "" {
		return o.token, nil
	}
	if !types.IsValidUserID(o.userID) {
		return "", types.ErrInvalidUserID
	}
	return auth.NewJWTProvider(o.secret, o.issuer).Mint(o.userID, o.role, 12*time.Hour)
}

func run(ctx context.Context, o cliOptions, in io.Reader, w io.Writer) error {
	out := &lockedWriter{w: w}
	token, err := resolveToken(o)
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}
	o.token = token
	api := client.NewAPIClient(o.server, o.token, nil)

	logger := zerolog.Nop()
	if o.verbose {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	}

	if o.sessionID == "" {
		sessionID, err := resolveSession(ctx, o, api, logger, out)
		if err != nil {
			return err
		}
		o.sessionID = sessionID
	}

	ctrl, err := client.New(client.Options{
		ServerURL:  o.server,
		SessionID:  o.sessionID,
		Token:      o.token,
		UserID:     o.userID,
		Role:       strings.ToUpper(o.role),
		MaxRetries: o.retries,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	printer := newPrinter(out)
	ctrl.OnMessage(printer.message)
	ctrl.OnNotice(printer.notice)
	ctrl.OnStateChange(printer.state)

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = ctrl.Start(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("join session %s: %w", o.sessionID, err)
	}

	fmt.Fprintln(out, "Type a message and press Enter. Commands: /typing, /seen <id>, /end [rating] [feedback], /quit")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "\nInterrupted")
			return nil
		case <-ctrl.Done():
			if err := ctrl.Err(); err != nil {
				return err
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleLine(ctx, ctrl, api, o.sessionID, strings.TrimSpace(line), out)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// resolveSession picks the session to join when none was given: wait in
// the lobby, ask for a match, or create a fresh session.
func resolveSession(ctx context.Context, o cliOptions, api *client.APIClient, logger zerolog.Logger, out io.Writer) (string, error) {
	switch {
	case o.wait:
		fmt.Fprintln(out, "Waiting for a session...")
		a, err := client.WaitForAssignment(ctx, client.Options{
			ServerURL: o.server,
			Token:     o.token,
			UserID:    o.userID,
			Role:      strings.ToUpper(o.role),
			Logger:    logger,
		})
		if err != nil {
			return "", fmt.Errorf("wait for session: %w", err)
		}
		fmt.Fprintf(out, "Assigned session %s with %s\n", a.SessionID, a.PeerID)
		return a.SessionID, nil
	case o.match:
		session, counselorID, err := api.MatchSession(ctx, o.userID)
		if err != nil {
			return "", fmt.Errorf("match session: %w", err)
		}
		fmt.Fprintf(out, "Session created: %s with counselor %s\n", session.ID, counselorID)
		return session.ID, nil
	default:
		created, err := api.CreateSession(ctx, o.userID)
		if err != nil {
			return "", fmt.Errorf("create session: %w", err)
		}
		fmt.Fprintf(out, "Session created: %s\n", created.ID)
		return created.ID, nil
	}
}

// handleLine reports whether the CLI should exit.
func handleLine(ctx context.Context, ctrl *client.Controller, api *client.APIClient, sessionID, line string, out io.Writer) (bool, error) {
	switch {
	case line == "":
		return false, nil
	case line == "/quit":
		fmt.Fprintln(out, "Bye!")
		return true, nil
	case line == "/typing":
		return false, ctrl.SendTyping(true)
	case strings.HasPrefix(line, "/seen "):
		return false, ctrl.MarkSeen(strings.TrimSpace(strings.TrimPrefix(line, "/seen ")))
	case line == "/end" || strings.HasPrefix(line, "/end "):
		rating, feedback, err := parseEnd(strings.TrimSpace(strings.TrimPrefix(line, "/end")))
		if err != nil {
			return false, err
		}
		if _, err := api.EndSession(ctx, sessionID, rating, feedback); err != nil {
			return false, err
		}
		return false, nil
	default:
		return false, ctrl.Send(line, nil)
	}
}

// parseEnd reads "[rating] [feedback...]".
func parseEnd(args string) (*int, string, error) {
	if args == "" {
		return nil, "", nil
	}
	first, rest, _ := strings.Cut(args, " ")
	n, err := strconv.Atoi(first)
	if err != nil {
		return nil, args, nil
	}
	if n < types.MinRating || n > types.MaxRating {
		return nil, "", types.ErrInvalidRating
	}
	return &n, strings.TrimSpace(rest), nil
}

// lockedWriter serializes output from callbacks and the input loop.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

type printer struct {
	out io.Writer
}

func newPrinter(out io.Writer) *printer { return &printer{out: out} }

func (p *printer) message(m *types.Message) {
	fmt.Fprintf(p.out, "[%s] %s (%s): %s\n", m.Timestamp.Local().Format(time.Kitchen), m.SenderID, m.SenderRole, m.Content)
}

func (p *printer) notice(n client.Notice) {
	switch n.Type {
	case types.FrameConnected:
		fmt.Fprintf(p.out, "* joined %s as %s (%s)\n", n.SessionID, n.UserID, n.Role)
	case types.FrameHistoryComplete:
		fmt.Fprintln(p.out, "* history complete")
	case types.FrameTyping:
		if n.Typing {
			fmt.Fprintf(p.out, "* %s is typing...\n", n.SenderID)
		}
	case types.FrameSessionClosed:
		fmt.Fprintf(p.out, "* session closed (%s)\n", n.Reason)
	case types.FrameError:
		fmt.Fprintf(p.out, "! %s: %s\n", n.Code, n.Message)
	}
}

func (p *printer) state(s client.State) {
	switch s {
	case client.StateReconnecting:
		fmt.Fprintln(p.out, "* reconnecting...")
	case client.StateFailed:
		fmt.Fprintln(p.out, "! connection lost for good")
	}
}
