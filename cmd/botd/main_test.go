package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"Cryptobot-Chain/internal/ledger"
	"Cryptobot-Chain/internal/tx"
	"Cryptobot-Chain/pkg/logger"
)

func TestRunInBackgroundStopWaitsForExit(t *testing.T) {
	var finished atomic.Bool
	started := make(chan struct{})
	stop := runInBackground(context.Background(), logger.Named("test"), "worker", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return ctx.Err()
	})
	<-started
	stop()
	if !finished.Load() {
		t.Fatalf("stop returned before the worker exited")
	}
}

func TestProcessorStopsBeforeQueueCloses(t *testing.T) {
	led := ledger.NewService(ledger.NewMemoryStore())
	queue := tx.NewMemoryQueue(8)
	processor := tx.NewProcessor(led, queue, queue)

	var exited atomic.Bool
	stop := runInBackground(context.Background(), logger.Named("test"), "processor", func(ctx context.Context) error {
		defer exited.Store(true)
		return processor.Start(ctx)
	})
	stop()
	if !exited.Load() {
		t.Fatalf("processor still running after stop")
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("close queue: %v", err)
	}
}
