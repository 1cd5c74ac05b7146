package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avolkov/coedit/internal/client/storage/boltdb"
	"github.com/avolkov/coedit/internal/client/ws"
	"github.com/avolkov/coedit/pkg/api"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	// Глобальные флаги
	showVersion := flag.Bool("version", false, "Show version information")
	serverURL := flag.String("server", "http://localhost:8080", "Server URL")
	token := flag.String("token", os.Getenv("COEDIT_TOKEN"), "Auth token (optional, anonymous without it)")
	dbPath := flag.String("db", "coedit-client.db", "Path to local cache database")

	flag.Parse()

	// Show version and exit if requested
	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	// Получаем команду
	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	command := args[0]

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Открываем локальный кэш
	cache, err := boltdb.New(ctx, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	// Выполняем команду
	switch command {
	case "watch":
		err = runWatch(ctx, args[1:], *serverURL, *token, cache, logger)
	case "edit":
		err = runEdit(ctx, args[1:], *serverURL, *token, cache, logger)
	case "show":
		err = runShow(ctx, args[1:], cache)
	case "list":
		err = runList(ctx, cache)
	case "forget":
		err = runForget(ctx, args[1:], cache)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runWatch присоединяется к документу и печатает его состояние при каждом
// подтверждённом изменении, пока не прервут
func runWatch(ctx context.Context, args []string, serverURL, token string, cache *boltdb.Storage, logger *slog.Logger) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	docID := fs.String("doc", "", "Document ID (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *docID == "" {
		return fmt.Errorf("-doc is required")
	}

	handler := ws.Handler{
		OnDocument: func(content string, version int64) {
			fmt.Printf("--- version %d ---\n%s\n", version, content)
		},
		OnUserJoined: func(user api.User) {
			fmt.Printf("* %s joined\n", user.Name)
		},
		OnUserLeft: func(userID, name, reason string) {
			fmt.Printf("* %s left (%s)\n", name, reason)
		},
	}

	client := ws.New(serverURL, token, *docID, cache, handler, logger)
	return client.Run(ctx)
}

// runEdit заменяет контент документа текстом из аргумента или stdin
func runEdit(ctx context.Context, args []string, serverURL, token string, cache *boltdb.Storage, logger *slog.Logger) error {
	fs := flag.NewFlagSet("edit", flag.ExitOnError)
	docID := fs.String("doc", "", "Document ID (required)")
	text := fs.String("text", "", "New document content (reads stdin when omitted)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *docID == "" {
		return fmt.Errorf("-doc is required")
	}

	newText := *text
	if newText == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		newText = string(data)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := ws.New(serverURL, token, *docID, cache, ws.Handler{}, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- client.Run(runCtx) }()

	joinCtx, joinCancel := context.WithTimeout(runCtx, 30*time.Second)
	defer joinCancel()
	if err := client.WaitJoined(joinCtx); err != nil {
		return fmt.Errorf("failed to join document: %w", err)
	}

	if err := client.Edit(newText); err != nil {
		return err
	}

	// Ждём подтверждения сервера, прежде чем разрывать соединение
	for client.PendingCount() > 0 {
		select {
		case <-runCtx.Done():
			return runCtx.Err()
		case err := <-errCh:
			return fmt.Errorf("connection closed before ack: %w", err)
		case <-time.After(50 * time.Millisecond):
		}
	}

	fmt.Printf("Document %s updated\n", *docID)
	return nil
}

// runShow печатает закэшированное состояние документа без сети
func runShow(ctx context.Context, args []string, cache *boltdb.Storage) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	docID := fs.String("doc", "", "Document ID (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *docID == "" {
		return fmt.Errorf("-doc is required")
	}

	doc, err := cache.GetDocument(ctx, *docID)
	if err != nil {
		return err
	}

	fmt.Printf("--- %s (version %d) ---\n%s\n", doc.DocumentID, doc.Version, doc.Content)
	return nil
}

// runList печатает идентификаторы всех закэшированных документов
func runList(ctx context.Context, cache *boltdb.Storage) error {
	ids, err := cache.ListDocuments(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No cached documents")
		return nil
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

// runForget удаляет документ из локального кэша
func runForget(ctx context.Context, args []string, cache *boltdb.Storage) error {
	fs := flag.NewFlagSet("forget", flag.ExitOnError)
	docID := fs.String("doc", "", "Document ID (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *docID == "" {
		return fmt.Errorf("-doc is required")
	}

	if err := cache.DeleteDocument(ctx, *docID); err != nil {
		return err
	}
	fmt.Printf("Forgot cached document %s\n", *docID)
	return nil
}

func printUsage() {
	fmt.Println("Usage: coedit-client [flags] <command> [command flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  watch -doc <id>              Follow a document and print every confirmed change")
	fmt.Println("  edit  -doc <id> [-text s]    Replace document content (stdin when -text omitted)")
	fmt.Println("  show  -doc <id>              Print the locally cached document state")
	fmt.Println("  list                         List locally cached document ids")
	fmt.Println("  forget -doc <id>             Remove a document from the local cache")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func printVersion() {
	fmt.Printf("CoEdit Client\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
