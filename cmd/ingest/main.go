// Command ingest populates the passage store from a list of URLs, given
// either as positional arguments or one per line in a file (# comments
// allowed).
package main

import (
	"bufio"
	"context"
	"flag"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/typerace/server/internal/ingest"
	"github.com/typerace/server/internal/store"
)

func main() {
	_ = godotenv.Load()

	var file string
	flag.StringVar(&file, "file", "", "path to a file with one URL per line")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("cannot init logger: %v", err)
	}
	defer logger.Sync()

	urls := flag.Args()
	if file != "" {
		fromFile, err := readURLFile(file)
		if err != nil {
			logger.Fatal("cannot read url file", zap.String("file", file), zap.Error(err))
		}
		urls = append(urls, fromFile...)
	}
	if len(urls) == 0 {
		logger.Fatal("no urls given; pass --file or positional urls")
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	ctx := context.Background()
	db, err := store.Connect(dsn)
	if err != nil {
		logger.Fatal("cannot connect database", zap.Error(err))
	}
	st := store.New(db)
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		logger.Fatal("schema migration failed", zap.Error(err))
	}

	in := ingest.New(st, logger)
	total, err := in.Run(ctx, urls)
	if err != nil {
		logger.Fatal("ingest failed", zap.Error(err))
	}
	logger.Info("done", zap.Int("urls", len(urls)), zap.Int("inserted", total))
}

func readURLFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, scanner.Err()
}
