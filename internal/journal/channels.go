package journal

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/iopsystems/durable/internal/platform/logger"
)

const (
	ChannelTask         = "durable_task"
	ChannelNotification = "durable_notification"
	ChannelWorker       = "durable_worker"
)

// Forwarder subscribes to a single Postgres LISTEN channel on a dedicated
// connection and fans payloads out to a broadcast channel, reconnecting and
// emitting Lagged on any driver-level gap — grounded on the teacher's
// redis_bus.go StartForwarder, generalized from Redis pub/sub to a
// LISTEN/NOTIFY connection pulled out of the pool for the lifetime of the
// subscription.
type Forwarder struct {
	pool    *pgxpool.Pool
	channel string
	log     *logger.Logger

	out chan string
	lagged chan struct{}
}

func NewForwarder(pool *pgxpool.Pool, channel string, log *logger.Logger) *Forwarder {
	return &Forwarder{
		pool:    pool,
		channel: channel,
		log:     log,
		out:     make(chan string, 256),
		lagged:  make(chan struct{}, 1),
	}
}

// Messages yields each NOTIFY payload delivered on the channel.
func (f *Forwarder) Messages() <-chan string { return f.out }

// Lagged fires when the forwarder had to drop a connection and reconnect,
// signaling consumers that they must fall back to a full rescan because any
// notifications delivered during the gap are lost.
func (f *Forwarder) Lagged() <-chan struct{} { return f.lagged }

// Run drives the subscription until ctx is canceled, reconnecting on
// transient errors. It never returns until ctx is done.
func (f *Forwarder) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := f.runOnce(ctx); err != nil {
			f.log.Warn("journal: forwarder connection lost, reconnecting", "channel", f.channel, "error", err.Error())
			select {
			case f.lagged <- struct{}{}:
			default:
			}
		}
	}
}

func (f *Forwarder) runOnce(ctx context.Context) error {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+f.channel); err != nil {
		return err
	}
	for {
		notice, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		select {
		case f.out <- notice.Payload:
		case <-ctx.Done():
			return nil
		default:
			// Consumer is behind; drop the payload but keep the
			// connection — the consumer falls back to polling, not a
			// full Lagged reconnect, since the channel itself is fine.
			f.log.Warn("journal: forwarder consumer too slow, dropping payload", "channel", f.channel)
		}
	}
}

func parseTaskID(payload string) (int64, bool) {
	id, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
