// Command client is a line-oriented terminal client for reverb: it logs in,
// joins a channel, sends each stdin line as a text message and prints
// channel activity.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/NicolasHaas/reverb/pkg/client"
	"github.com/NicolasHaas/reverb/pkg/logging"
	pb "github.com/NicolasHaas/reverb/pkg/protocol/pb"
)

const passwordEnv = "REVERB_PASSWORD"

func main() {
	addr := flag.String("addr", "localhost:9600", "Server address")
	username := flag.String("user", "", "Username")
	channel := flag.String("channel", "general", "Channel to join")
	useTLS := flag.Bool("tls", false, "Connect with TLS")
	insecure := flag.Bool("insecure", false, "Accept self-signed certificates")
	bookmark := flag.String("server", "", "Connect using a saved bookmark")
	save := flag.String("save", "", "Save this connection as a bookmark")
	bookmarksFile := flag.String("bookmarks", "", "Bookmarks file (default: user config dir)")
	logLevel := flag.String("log-level", "warn", "Log level: "+logging.LevelNames())
	flag.Parse()

	if err := logging.Setup(logging.Options{Level: *logLevel, Output: os.Stderr}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	bookmarks := client.NewBookmarkStore(*bookmarksFile)
	if err := bookmarks.Load(); err != nil {
		slog.Warn("load bookmarks", "path", bookmarks.Path(), "err", err)
	}
	if *bookmark != "" {
		b := bookmarks.Find(*bookmark)
		if b == nil {
			fmt.Fprintf(os.Stderr, "no bookmark named %q\n", *bookmark)
			os.Exit(1)
		}
		*addr, *username, *useTLS = b.Addr, b.Username, b.TLS
		if b.Channel != "" {
			*channel = b.Channel
		}
		bookmarks.Touch(b.Name, time.Now().Unix())
		_ = bookmarks.Save()
	}
	if *username == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		os.Exit(2)
	}
	password := os.Getenv(passwordEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *addr, *username, password, *channel, client.Options{TLS: *useTLS, InsecureSkipVerify: *insecure}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *save != "" {
		bookmarks.Add(client.Bookmark{Name: *save, Addr: *addr, Username: *username, Channel: *channel, TLS: *useTLS, LastUsed: time.Now().Unix()})
		if err := bookmarks.Save(); err != nil {
			slog.Error("save bookmark", "err", err)
		}
	}
}

func run(ctx context.Context, addr, username, password, channel string, opts client.Options) error {
	c, err := client.Dial(ctx, addr, opts)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	loginCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	res, err := c.Login(loginCtx, username, password)
	cancel()
	if err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("login failed: %s", res.Error)
	}
	fmt.Printf("logged in as %s (%s)\n", res.Username, res.Role)
	for _, ch := range res.Channels {
		fmt.Printf("  #%s %s (%d online)\n", ch.ID, ch.Name, len(ch.Members))
	}

	if err := c.Join(channel); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			// "/status away" changes presence; anything else is chat.
			if st, ok := strings.CutPrefix(strings.TrimSpace(line), "/status "); ok {
				status := pb.UserStatus(strings.TrimSpace(st))
				if !status.Valid() {
					fmt.Println("! status must be online, away or dnd")
					continue
				}
				if err := c.SetStatus(status); err != nil {
					return err
				}
				continue
			}
			if err := c.Say(channel, line); err != nil {
				return err
			}
		case msg, ok := <-c.Events():
			if !ok {
				return c.Err()
			}
			printEvent(msg)
		}
	}
}

func printEvent(msg pb.Message) {
	switch m := msg.(type) {
	case *pb.TextMessage:
		fmt.Printf("[%s] <%s> %s\n", time.Unix(m.Timestamp, 0).Format("15:04"), m.SenderName, m.Body)
	case *pb.ChannelEvent:
		fmt.Printf("* %s %s #%s\n", m.Username, m.Event, m.ChannelID)
	case *pb.MediaState:
		state := "stopped"
		if m.Active {
			state = "started"
		}
		fmt.Printf("* %s %s %s\n", m.SessionID, state, m.Media)
	case *pb.StatusUpdate:
		fmt.Printf("* %s is %s\n", m.SessionID, m.Status)
	case *pb.ProtocolError:
		fmt.Printf("! error %d: %s\n", m.Code, m.Reason)
	case *pb.ChannelList:
		fmt.Printf("* %d channels\n", len(m.Channels))
	default:
		slog.Debug("ignored message", "kind", msg.Kind())
	}
}
