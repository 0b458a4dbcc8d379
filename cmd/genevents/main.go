package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"hydroconsumer/internal/logger"
	"hydroconsumer/internal/model"
	"hydroconsumer/internal/source"
)

type genConfig struct {
	count      int
	stations   int
	partitions int
	duplicates float64
	seed       uint64
	start      time.Time
}

func main() {
	var cfg genConfig
	var outputFile, brokers, topic string
	flag.IntVar(&cfg.count, "count", 100, "number of events to generate")
	flag.IntVar(&cfg.stations, "stations", 5, "number of stations")
	flag.IntVar(&cfg.partitions, "partitions", 3, "number of partitions to spread events over")
	flag.Float64Var(&cfg.duplicates, "duplicates", 0.05, "share of events re-delivered as duplicates")
	flag.Uint64Var(&cfg.seed, "seed", uint64(time.Now().UnixNano()), "random seed")
	flag.StringVar(&outputFile, "output", "events.jsonl", "output file")
	flag.StringVar(&brokers, "brokers", "", "publish to kafka instead of a file")
	flag.StringVar(&topic, "topic", "hydrometry.measurements", "kafka topic")
	flag.Parse()
	cfg.start = time.Now().UTC().Add(-time.Duration(cfg.count) * time.Second)

	log, err := logger.New(&logger.Config{Level: "info", Format: "console"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	var emit func(source.Record) error
	var closeFn func() error
	if brokers != "" {
		emit, closeFn = kafkaEmitter(brokers, topic)
	} else {
		emit, closeFn, err = fileEmitter(outputFile)
		if err != nil {
			log.Fatal("open output", zap.Error(err))
		}
	}
	n, err := generate(cfg, emit)
	if cerr := closeFn(); err == nil {
		err = cerr
	}
	if err != nil {
		log.Fatal("generation failed", zap.Error(err))
	}
	log.Info("generated events", zap.Int("count", n), zap.String("output", outputFile), zap.String("brokers", brokers))
}

func fileEmitter(path string) (func(source.Record) error, func() error, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create file: %w", err)
	}
	enc := json.NewEncoder(file)
	return func(r source.Record) error { return enc.Encode(&r) }, file.Close, nil
}

func kafkaEmitter(brokers, topic string) (func(source.Record) error, func() error) {
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return func(r source.Record) error {
		return w.WriteMessages(context.Background(), kafka.Message{Key: []byte(r.Key), Value: r.Payload, Time: r.Timestamp})
	}, w.Close
}

type series struct {
	key     model.MeasurementKey
	present bool
}

// generate emits count events. Each series starts with an Added event and
// then receives updates or a delete; duplicates replay an earlier record.
func generate(cfg genConfig, emit func(source.Record) error) (int, error) {
	rnd := rand.New(rand.NewPCG(cfg.seed, cfg.seed^0x9e3779b97f4a7c15))
	if cfg.stations <= 0 || cfg.partitions <= 0 {
		return 0, fmt.Errorf("stations and partitions must be positive")
	}
	var all []*series
	offsets := make([]int64, cfg.partitions)
	var emitted []source.Record

	for i := 0; i < cfg.count; i++ {
		ts := cfg.start.Add(time.Duration(i) * time.Second)

		if len(emitted) > 0 && rnd.Float64() < cfg.duplicates {
			dup := emitted[rnd.IntN(len(emitted))]
			dup.Offset = offsets[dup.Partition]
			offsets[dup.Partition]++
			if err := emit(dup); err != nil {
				return i, err
			}
			continue
		}

		var s *series
		if len(all) == 0 || rnd.IntN(4) == 0 {
			station := fmt.Sprintf("0-2000-0-%d", 1+rnd.IntN(cfg.stations))
			at := cfg.start.Truncate(time.Hour).Add(time.Duration(len(all)) * 10 * time.Minute)
			s = &series{key: model.NewMeasurementKey(station, 1+rnd.IntN(2), 25, at)}
			all = append(all, s)
		} else {
			s = all[rnd.IntN(len(all))]
		}

		ev := model.ChangeEvent{Key: s.key, Value: model.Float(float64(rnd.IntN(5000)) / 10)}
		switch {
		case !s.present:
			ev.Detail = model.AddedDetail{Provenance: model.Provenance{LoggerID: "gen"}}
			s.present = true
		case rnd.IntN(5) == 0:
			ev.Detail = model.DeletedDetail{}
			ev.Value = nil
			s.present = false
		default:
			ev.Detail = model.UpdatedDetail{}
		}
		payload, err := model.Encode(ev)
		if err != nil {
			return i, err
		}
		p := rnd.IntN(cfg.partitions)
		rec := source.Record{Partition: p, Offset: offsets[p], Timestamp: ts, Key: s.key.String(), Payload: payload}
		offsets[p]++
		if err := emit(rec); err != nil {
			return i, err
		}
		emitted = append(emitted, rec)
	}
	return cfg.count, nil
}
