package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tgrelay/internal/app"
	"tgrelay/internal/config"
	"tgrelay/internal/monitor"
)

func main() {
	var (
		cfgPath string
		envPath string
		mode    string
	)
	flag.StringVar(&cfgPath, "config", "", "path to config file (.json, .yaml); empty reads the environment only")
	flag.StringVar(&envPath, "env", ".env", "comma-separated .env files to load (missing files are ignored)")
	flag.StringVar(&mode, "mode", "serve", "once | serve")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(app.Options{ConfigPath: cfgPath, EnvFiles: splitList(envPath)})
	if err != nil {
		fatal(err)
	}

	switch mode {
	case "once":
		os.Exit(runOnce(ctx, a))
	case "serve":
		if err := a.Start(ctx); err != nil {
			_ = a.Stop(context.Background())
			fatal(err)
		}
		select {
		case <-ctx.Done():
		case <-a.Done():
		}
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx)
		if err := a.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
	default:
		_ = a.Close()
		fatal(fmt.Errorf("unknown mode %q (use once or serve)", mode))
	}
}

func runOnce(ctx context.Context, a *app.App) int {
	defer a.Close()
	rep, err := a.Run(ctx)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, monitor.ErrRunInProgress) {
			code = http.StatusConflict
		}
		printJSON(monitor.NewErrorReport(code, err.Error(), time.Now()))
		return 1
	}
	printJSON(rep)
	return 0
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fatal(err error) {
	if errors.Is(err, config.ErrInvalid) {
		printJSON(monitor.NewErrorReport(http.StatusInternalServerError, err.Error(), time.Now()))
	} else {
		fmt.Fprintln(os.Stderr, "fatal:", err)
	}
	os.Exit(1)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
