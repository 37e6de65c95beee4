// Forwarder consumes trial events from Kafka and replays them into the MLflow
// tracking backend. Set KAFKA_BROKERS, TRIALS_KAFKA_TOPIC, KAFKA_GROUP_ID, and
// TRACKING_URI; REDIS_ADDR enables cross-replica idempotency.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"opttrack/internal/config"
	"opttrack/internal/events"
	"opttrack/internal/mlflow"
	"opttrack/internal/mlflow/store"
	"opttrack/internal/policy/engine"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	brokers := cfg.KafkaBrokersList()
	if len(brokers) == 0 {
		log.Fatal("forwarder: KAFKA_BROKERS is required")
	}
	if cfg.TrackingURI == "" {
		log.Fatal("forwarder: TRACKING_URI is required")
	}

	st, err := store.FromURI(cfg.TrackingURI, store.Options{
		Token:   cfg.TrackingToken,
		Timeout: cfg.HTTPTimeout(),
		RPS:     cfg.ClientRPS,
	})
	if err != nil {
		log.Fatalf("forwarder: tracking store: %v", err)
	}

	var filter engine.Filter
	if cfg.ForwardPolicy != "" {
		filter, err = engine.NewOPAFilter(cfg.ForwardPolicy)
		if err != nil {
			log.Fatalf("forwarder: forward policy: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Println("forwarder: shutting down...")
		cancel()
	}()

	var deduper events.Deduper
	if cfg.RedisAddr != "" {
		rd, err := events.NewRedisDeduper(ctx, cfg.RedisAddr, "opttrack:"+cfg.KafkaGroupID)
		if err != nil {
			log.Fatalf("forwarder: %v", err)
		}
		defer rd.Close()
		deduper = rd
	} else {
		log.Println("forwarder: REDIS_ADDR not set, using in-process dedupe only")
		deduper = events.NewMemoryDeduper()
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.TrialsKafkaTopic,
		GroupID:        cfg.KafkaGroupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		CommitInterval: time.Second,
	})
	defer reader.Close()

	log.Printf("forwarder: consuming from %s (group %s), replaying to %s",
		cfg.TrialsKafkaTopic, cfg.KafkaGroupID, cfg.TrackingURI)

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("forwarder: stopped")
				return
			}
			log.Printf("forwarder: kafka read error: %v", err)
			continue
		}

		var ev events.TrialEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			log.Printf("forwarder: malformed trial event at offset %d: %v", msg.Offset, err)
			continue
		}

		replayCtx, replayCancel := context.WithTimeout(ctx, 30*time.Second)
		if err := replay(replayCtx, &ev, st, cfg, filter, deduper); err != nil {
			log.Printf("forwarder: replay %s: %v", ev.Key(), err)
		}
		replayCancel()
	}
}

// replay records one event through a fresh session, so trials from different
// studies never share active-run state. The dedupe key is claimed before the
// write and released again on failure, so a transient tracking-backend error
// leaves the key free for Kafka's redelivery to retry.
func replay(ctx context.Context, ev *events.TrialEvent, st store.Store, cfg *config.Config, filter engine.Filter, deduper events.Deduper) error {
	seen, err := deduper.Seen(ctx, ev.Key())
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	s, trial := ev.ToStudyTrial()
	cb := mlflow.NewCallback(mlflow.NewSession(st), mlflow.Options{
		MetricNames:       cfg.MetricNames(),
		TagStudyUserAttrs: cfg.TagStudyUserAttrs,
		TagTrialUserAttrs: cfg.TagTrialUserAttrs,
		Filter:            filter,
	})
	if err := cb.OnTrialComplete(ctx, s, trial); err != nil {
		if forgetErr := deduper.Forget(ctx, ev.Key()); forgetErr != nil {
			log.Printf("forwarder: release dedupe key %s: %v", ev.Key(), forgetErr)
		}
		return err
	}
	return nil
}
