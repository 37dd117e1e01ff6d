// Package main provides a headless relay client. It joins a room and reads
// commands from stdin, printing room traffic as it arrives.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/cory-johannsen/boardrelay/internal/client"
	"github.com/cory-johannsen/boardrelay/internal/config"
	"github.com/cory-johannsen/boardrelay/internal/observability"
	"github.com/cory-johannsen/boardrelay/internal/protocol"
)

const usage = `commands:
  say <text>         send a chat message
  move <json>        send a move object, e.g. move {"from":"e2","to":"e4"}
  camera <x> <y> <z> share a camera position
  players            ask for the occupant count
  reset              reset the game for the room
  status             print local state
  leave              leave the room and exit`

// consoleStore prints room traffic as the driver records it.
type consoleStore struct {
	*client.MemoryStore
}

func (c consoleStore) AppendMessage(msg protocol.IncomingMessage) {
	c.MemoryStore.AppendMessage(msg)
	fmt.Printf("[%s] %s\n", msg.Author, msg.Message)
}

func (c consoleStore) SetLastMove(move json.RawMessage) {
	c.MemoryStore.SetLastMove(move)
	fmt.Printf("move: %s\n", move)
}

func (c consoleStore) ResetGame() {
	c.MemoryStore.ResetGame()
	fmt.Println("game reset")
}

func (c consoleStore) NotifyError(msg string) {
	before := len(c.Snapshot().Errors)
	c.MemoryStore.NotifyError(msg)
	if len(c.Snapshot().Errors) > before {
		fmt.Printf("error: %s\n", msg)
	}
}

func main() {
	configPath := flag.String("config", "", "path to configuration file (defaults when empty)")
	room := flag.String("room", "", "room to join")
	name := flag.String("name", "", "display name")
	sessionID := flag.String("session", "", "session id to resume (generated when empty)")
	token := flag.String("token", "", "private resume token paired with -session (generated when empty)")
	flag.Parse()

	if *room == "" || *name == "" {
		log.Fatal("-room and -name are required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	logger, err := observability.NewLogger(cfg.Logging, "relayclient")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	store := consoleStore{client.NewMemoryStore()}
	id := protocol.Identity{DisplayName: *name, SessionID: *sessionID}
	opts := client.OptionsFromConfig(cfg.Client, id, store, logger)
	opts.ResumeToken = *token
	driver, err := client.New(opts)
	if err != nil {
		logger.Fatal("creating client", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := driver.Join(*room); err != nil {
		logger.Fatal("joining room", zap.Error(err))
	}
	driver.Connect(ctx)
	logger.Info("client started",
		zap.String("server", cfg.Client.ServerURL),
		zap.String("room", *room),
		zap.String("player", driver.Identity().Key()),
	)
	fmt.Println(usage)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			leave(driver, logger)
			return
		case <-driver.Done():
			logger.Info("connection ended")
			return
		case line, ok := <-lines:
			if !ok {
				leave(driver, logger)
				return
			}
			if quit := handleCommand(driver, store, strings.TrimSpace(line)); quit {
				leave(driver, logger)
				return
			}
		}
	}
}

func leave(driver *client.Driver, logger *zap.Logger) {
	if err := driver.Leave(); err != nil {
		logger.Warn("leaving room", zap.Error(err))
	}
}

// handleCommand runs one stdin command and reports whether to exit.
func handleCommand(driver *client.Driver, store consoleStore, line string) bool {
	verb, rest, _ := strings.Cut(line, " ")
	var err error
	switch verb {
	case "":
		return false
	case "say":
		err = driver.SendMessage(rest)
	case "move":
		var move map[string]any
		if err = json.Unmarshal([]byte(rest), &move); err == nil {
			err = driver.MakeMove(move)
		}
	case "camera":
		var pos [3]float64
		if pos, err = parsePosition(rest); err == nil {
			err = driver.MoveCamera(pos)
		}
	case "players":
		err = driver.FetchPlayers()
	case "reset":
		err = driver.ResetGame()
	case "status":
		printStatus(store.Snapshot())
	case "leave", "quit":
		return true
	default:
		fmt.Println(usage)
	}
	if err != nil {
		fmt.Printf("%s: %v\n", verb, err)
	}
	return false
}

func parsePosition(s string) ([3]float64, error) {
	var pos [3]float64
	fields := strings.Fields(s)
	if len(fields) != 3 {
		return pos, fmt.Errorf("want 3 coordinates, got %d", len(fields))
	}
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return pos, fmt.Errorf("coordinate %d: %w", i+1, err)
		}
		pos[i] = v
	}
	return pos, nil
}

func printStatus(s client.Snapshot) {
	fmt.Printf("connected=%t room=%q color=%q opponent=%q players=%d started=%t\n",
		s.Connected, s.Room, s.Color, s.OpponentName, s.PlayerCount, s.GameStarted)
}
