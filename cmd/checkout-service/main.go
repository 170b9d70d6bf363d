package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/silveralcid/retail-checkout/internal/app"
	"github.com/silveralcid/retail-checkout/internal/version"
)

// readConfigPath выбирает путь к конфигу: флаг -config или CHECKOUT_CONFIG.
func readConfigPath() string {
	var path string
	flag.StringVar(&path, "config", "", "path to YAML config file (fallback: CHECKOUT_CONFIG)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		os.Exit(0)
	}

	if strings.TrimSpace(path) == "" {
		path = strings.TrimSpace(os.Getenv("CHECKOUT_CONFIG"))
	}
	return path
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := app.LoadConfig(readConfigPath())
	if err != nil {
		log.WithError(err).Fatal("не удалось загрузить конфигурацию")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"http_addr":          cfg.HTTPAddr,
		"storage_driver":     cfg.StorageDriver,
		"idempotency_driver": cfg.IdempotencyDriver,
	}).Info("запускаем checkout-сервис")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("сервис завершился с ошибкой")
	}

	log.Info("checkout-сервис остановлен")
}
