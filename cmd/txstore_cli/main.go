// Command txstore_cli is an interactive shell over a single in-memory
// txstore map, useful for exercising the transaction engine by hand.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/sushant-115/txstore/config"
	"github.com/sushant-115/txstore/core/txstore"
	"github.com/sushant-115/txstore/pkg/logger"
	"github.com/sushant-115/txstore/pkg/telemetry"
)

const mapID = 1

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Println("config error:", err)
			return
		}
		cfg = loaded
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Println("logger error:", err)
		return
	}
	defer log.Sync()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		log.Fatal("telemetry init failed", zap.Error(err))
	}
	defer shutdown(context.Background())

	metrics, err := txstore.NewMetrics(tel.Meter)
	if err != nil {
		log.Fatal("metrics init failed", zap.Error(err))
	}

	engine := txstore.NewTransactionEngine(txstore.WithLogger(log), txstore.WithMetrics(metrics))
	storage := txstore.NewBTreeStorageMap[string, txstore.VersionedValue[string]](
		func(a, b string) bool { return a < b },
		func(a, b txstore.VersionedValue[string]) bool { return a == b },
		"VARCHAR",
	)

	sh := &shell{engine: engine, storage: storage, log: log}
	sh.loop()
}

type shell struct {
	engine  *txstore.TransactionEngine
	storage txstore.StorageMap[string, txstore.VersionedValue[string]]
	log     *zap.Logger
	tx      *txstore.Transaction
	tm      *txstore.TransactionMap[string, string]
}

func (s *shell) loop() {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            "\033[31mtxstore»\033[0m ",
		HistoryFile:       "/tmp/txstore_cli_history",
		InterruptPrompt:   "^C",
		EOFPrompt:         "^D",
		HistorySearchFold: true,
	})
	if err != nil {
		fmt.Println("readline init failed:", err)
		return
	}
	defer l.Close()

	s.begin()
	for {
		line, err := l.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return
			}
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}
		s.dispatch(strings.Fields(line))
	}
}

func (s *shell) begin() {
	s.tx = s.engine.Begin(nil)
	s.tm = txstore.OpenMap[string, string](s.tx, mapID, s.storage)
}

func (s *shell) dispatch(args []string) {
	if len(args) == 0 {
		return
	}
	switch args[0] {
	case "put":
		if len(args) != 3 {
			fmt.Println("usage: put <key> <value>")
			return
		}
		if err := s.tm.Put(args[1], args[2]); err != nil {
			fmt.Println("put failed:", err)
			return
		}
		fmt.Println("ok")
	case "get":
		if len(args) != 2 {
			fmt.Println("usage: get <key>")
			return
		}
		v, ok := s.tm.Get(args[1])
		if !ok {
			fmt.Println("(not found)")
			return
		}
		fmt.Println(v)
	case "remove":
		if len(args) != 2 {
			fmt.Println("usage: remove <key>")
			return
		}
		if err := s.tm.Remove(args[1]); err != nil {
			fmt.Println("remove failed:", err)
			return
		}
		fmt.Println("ok")
	case "size":
		fmt.Println(s.tm.SizeAsLong())
	case "scan":
		from := ""
		if len(args) > 1 {
			from = args[1]
		}
		it := s.tm.KeyIterator(&from, false)
		for it.HasNext() {
			k := it.Next()
			v, _ := s.tm.Get(k)
			fmt.Printf("%s=%s\n", k, v)
		}
	case "savepoint":
		if len(args) != 2 {
			fmt.Println("usage: savepoint <name>")
			return
		}
		s.tx.SetSavepoint(args[1])
		fmt.Println("ok")
	case "rollback-to":
		if len(args) != 2 {
			fmt.Println("usage: rollback-to <name>")
			return
		}
		if err := s.tx.RollbackToSavepoint(args[1]); err != nil {
			fmt.Println("rollback-to failed:", err)
			return
		}
		fmt.Println("ok")
	case "commit":
		if err := s.tx.Commit(); err != nil {
			fmt.Println("commit failed:", err)
		}
		s.begin()
	case "rollback":
		if err := s.tx.Rollback(); err != nil {
			fmt.Println("rollback failed:", err)
		}
		s.begin()
	case "begin-in-doubt":
		s.tx = s.engine.BeginInDoubt(nil)
		s.tm = txstore.OpenMap[string, string](s.tx, mapID, s.storage)
		fmt.Println("tx", s.tx.ID())
	default:
		fmt.Println("unknown command:", args[0])
	}
}
