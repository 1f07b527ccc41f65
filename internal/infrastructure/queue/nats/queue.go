package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/semaphore"

	"github.com/kirillkom/doc-intake/internal/core/domain"
	"github.com/kirillkom/doc-intake/internal/core/ports"
	"github.com/kirillkom/doc-intake/internal/infrastructure/resilience"
)

const queueGroup = "doc-intake-workers"

// Scheduler dispatches stage tasks over NATS, one subject per stage, so slow
// stages never hold up fast ones. Delivery is at-most-once; items whose task
// is lost are re-driven by the recovery sweeper.
type Scheduler struct {
	conn     *nats.Conn
	prefix   string
	executor *resilience.Executor
	observer ports.PipelineObserver
	logger   *slog.Logger
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Observer             ports.PipelineObserver
	Logger               *slog.Logger
}

func New(url, prefix string) (*Scheduler, error) {
	return NewWithOptions(url, prefix, Options{})
}

func NewWithOptions(url, prefix string, options Options) (*Scheduler, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	if prefix == "" {
		prefix = "docintake.stage"
	}

	conn, err := nats.Connect(
		url,
		nats.Name("doc-intake"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Scheduler{
		conn:     conn,
		prefix:   prefix,
		executor: options.ResilienceExecutor,
		observer: options.Observer,
		logger:   logger,
	}, nil
}

func (s *Scheduler) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

// Subject is the NATS subject carrying tasks of stage.
func Subject(prefix string, stage domain.Stage) string {
	return prefix + "." + string(stage)
}

// EncodeTask and DecodeTask define the wire format of a stage task.
func EncodeTask(task domain.StageTask) ([]byte, error) {
	return json.Marshal(task)
}

func DecodeTask(data []byte) (domain.StageTask, error) {
	var task domain.StageTask
	if err := json.Unmarshal(data, &task); err != nil {
		return domain.StageTask{}, domain.WrapError(domain.ErrInvalidInput, "decode stage task", err)
	}
	if task.ItemID == "" || task.Stage == "" {
		return domain.StageTask{}, domain.WrapError(domain.ErrInvalidInput, "decode stage task", errors.New("item id and stage are required"))
	}
	return task, nil
}

func (s *Scheduler) Enqueue(ctx context.Context, task domain.StageTask) error {
	payload, err := EncodeTask(task)
	if err != nil {
		return fmt.Errorf("encode stage task: %w", err)
	}
	subject := Subject(s.prefix, task.Stage)
	call := func(_ context.Context) error {
		if err := s.conn.Publish(subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if s.executor != nil {
		err = s.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// Run subscribes every stage subject in a shared queue group and blocks until
// ctx is cancelled. workers bounds concurrent handlers per stage; stages
// missing from the map run one task at a time.
func (s *Scheduler) Run(ctx context.Context, handler ports.StageHandler, workers map[domain.Stage]int) error {
	var (
		inflight sync.WaitGroup
		subs     []*nats.Subscription
	)
	for _, stage := range domain.AllStages {
		limit := workers[stage]
		if limit <= 0 {
			limit = 1
		}
		sem := semaphore.NewWeighted(int64(limit))
		sub, err := s.conn.QueueSubscribe(Subject(s.prefix, stage), queueGroup, func(msg *nats.Msg) {
			if ctx.Err() != nil {
				return
			}
			task, err := DecodeTask(msg.Data)
			if err != nil {
				s.logger.Error("stage_task_rejected", "subject", msg.Subject, "error", err)
				return
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			inflight.Add(1)
			s.queueDepth(task.Stage, 1)
			go func() {
				defer inflight.Done()
				defer sem.Release(1)
				defer s.queueDepth(task.Stage, -1)
				if err := handler(ctx, task); err != nil {
					s.logger.Error("stage_handler_failed", "item_id", task.ItemID, "stage", task.Stage, "error", err)
				}
			}()
		})
		if err != nil {
			return fmt.Errorf("nats subscribe %s: %w", stage, err)
		}
		subs = append(subs, sub)
	}

	if err := s.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	s.logger.Info("nats_scheduler_started", "prefix", s.prefix, "queue_group", queueGroup)

	<-ctx.Done()
	var drainErr error
	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			drainErr = errors.Join(drainErr, fmt.Errorf("nats drain subscription: %w", err))
		}
	}
	inflight.Wait()
	if err := s.conn.FlushTimeout(5 * time.Second); err != nil {
		drainErr = errors.Join(drainErr, fmt.Errorf("nats flush after drain: %w", err))
	}
	return drainErr
}

func (s *Scheduler) queueDepth(stage domain.Stage, delta int) {
	if s.observer != nil {
		s.observer.QueueDepth(stage, delta)
	}
}
