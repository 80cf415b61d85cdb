package temporal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"
	"go.uber.org/zap"

	"github.com/mycelix-network/playsettle/pkg/retry"
)

// Client bundles the workflow and schedule clients of one namespace and task queue.
type Client struct {
	TClient   client.Client
	TSClient  client.ScheduleClient
	Namespace string
	TaskQueue string
	logger    *zap.Logger
}

// NewClient dials Temporal, retrying until the frontend answers a health check.
func NewClient(ctx context.Context, logger *zap.Logger, hostPort, namespace, taskQueue string) (*Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	logger.Info("Connecting to Temporal",
		zap.String("host", hostPort),
		zap.String("namespace", namespace),
		zap.String("taskQueue", taskQueue))

	var tClient client.Client
	err := retry.WithBackoff(connCtx, retry.DefaultConfig(), logger, "temporal_connection", func() error {
		var err error
		tClient, err = Dial(connCtx, hostPort, namespace, NewZapAdapter(logger))
		if err != nil {
			return err
		}
		if _, err = tClient.CheckHealth(connCtx, nil); err != nil {
			tClient.Close()
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		TClient:   tClient,
		TSClient:  tClient.ScheduleClient(),
		Namespace: namespace,
		TaskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// Dial connects to Temporal using the provided hostPort and namespace.
func Dial(ctx context.Context, hostPort, namespace string, logger log.Logger) (client.Client, error) {
	return client.DialContext(
		ctx,
		client.Options{
			HostPort:  hostPort,
			Namespace: namespace,
			Logger:    logger,
		},
	)
}

// IntervalSpec returns a schedule spec firing every interval.
func IntervalSpec(interval time.Duration) client.ScheduleSpec {
	return client.ScheduleSpec{Intervals: []client.ScheduleIntervalSpec{{Every: interval}}}
}

// Schedule describes a recurring workflow start.
type Schedule struct {
	ID       string
	Every    time.Duration
	Workflow string
	Args     []interface{}
	// Timeout bounds a single run.
	Timeout time.Duration
}

// EnsureSchedule creates s unless a schedule with its ID already exists. Runs never overlap: a
// tick that fires while the previous run is still open is skipped.
func (c *Client) EnsureSchedule(ctx context.Context, s Schedule) error {
	h := c.TSClient.GetHandle(ctx, s.ID)
	_, err := h.Describe(ctx)
	if err == nil {
		c.logger.Info("Schedule already exists", zap.String("id", s.ID), zap.String("namespace", c.Namespace))
		return nil
	}

	var notFound *serviceerror.NotFound
	if !errors.As(err, &notFound) {
		return fmt.Errorf("describe schedule %s: %w", s.ID, err)
	}

	c.logger.Info("Creating schedule",
		zap.String("id", s.ID),
		zap.String("workflow", s.Workflow),
		zap.Duration("every", s.Every))
	_, err = c.TSClient.Create(ctx, client.ScheduleOptions{
		ID:      s.ID,
		Spec:    IntervalSpec(s.Every),
		Overlap: enums.SCHEDULE_OVERLAP_POLICY_SKIP,
		Action: &client.ScheduleWorkflowAction{
			Workflow:                 s.Workflow,
			Args:                     s.Args,
			TaskQueue:                c.TaskQueue,
			WorkflowExecutionTimeout: s.Timeout,
		},
	})
	if err != nil {
		return fmt.Errorf("create schedule %s: %w", s.ID, err)
	}
	return nil
}

// Close closes the underlying Temporal client connection.
func (c *Client) Close() {
	if c.TClient != nil {
		c.TClient.Close()
	}
}

// ZapAdapter is a Temporal logger adapter for Zap.
type ZapAdapter struct{ *zap.SugaredLogger }

var _ log.WithLogger = (*ZapAdapter)(nil)

// NewZapAdapter creates a new Temporal logger adapter from a Zap logger.
func NewZapAdapter(logger *zap.Logger) *ZapAdapter {
	// sugared so Temporal's keyvals pass straight through
	return &ZapAdapter{logger.Sugar()}
}

func (z *ZapAdapter) Debug(msg string, keyvals ...interface{}) { z.Debugw(msg, keyvals...) }
func (z *ZapAdapter) Info(msg string, keyvals ...interface{})  { z.Infow(msg, keyvals...) }
func (z *ZapAdapter) Warn(msg string, keyvals ...interface{})  { z.Warnw(msg, keyvals...) }
func (z *ZapAdapter) Error(msg string, keyvals ...interface{}) { z.Errorw(msg, keyvals...) }

// With returns an adapter that adds keyvals to every entry.
func (z *ZapAdapter) With(keyvals ...interface{}) log.Logger {
	return &ZapAdapter{z.SugaredLogger.With(keyvals...)}
}
