package cmd

import (
	"context"
	"math/rand"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"brokerstore/storage"
	"brokerstore/storage/journal"
	"brokerstore/storage/paging"
	"brokerstore/storage/recovery"
)

const recordTypeMessage uint8 = 1

var (
	metricsAddr  string
	serveAddress string
	maxBodySize  int

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Recovers the stores and runs a message load against them until interrupted",
		RunE:  executeServe,
	}
)

func init() {
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9100", "address to expose prometheus metrics on, empty to disable")
	serveCmd.Flags().StringVar(&serveAddress, "address", "load", "broker address the load is sent to")
	serveCmd.Flags().IntVar(&maxBodySize, "max-body-size", 1024, "upper bound of a generated message body")
}

func executeServe(cmd *cobra.Command, _ []string) error {
	logger := newLogger()
	registerer := prometheus.NewRegistry()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	j, err := journal.NewJournal(logger, registerer, cfg.Journal)
	if err != nil {
		return err
	}

	ids := storage.NewIDGenerator(1)
	cursors := recovery.NewJournalCursorStore(j, ids)

	m, err := paging.NewManager(logger, registerer, cfg.Paging, cursors)
	if err != nil {
		return err
	}

	m.AddListener(func(ev paging.PagingEvent) {
		level.Debug(logger).Log("msg", "paging event", "type", ev.Type, "address", ev.Address, "bytes", ev.EstimatedBytes)
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	state, err := recovery.NewCoordinator(logger, j, m, cursors, ids).Recover(ctx)
	if err != nil {
		m.Close()
		j.Stop()
		return errors.Wrap(err, "recover")
	}

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(registerer, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				level.Error(logger).Log("msg", "metrics server failed", "err", err)
			}
		}()
		defer srv.Close()
	}

	l := &load{
		logger:  logger,
		journal: j,
		paging:  m,
		ids:     ids,
		address: serveAddress,
		sizes:   make(map[uint64]int),
	}
	for id, rec := range state.LiveMessages {
		l.inMemory = append(l.inMemory, id)
		l.sizes[id] = len(rec.Body)
		l.bytes += int64(len(rec.Body))
	}

	wg := sync.WaitGroup{}
	wg.Add(1)

	go func() {
		defer wg.Done()
		l.run(ctx)
	}()

	logger.Log("msg", "app started...", "next_id", state.NextID, "live", len(state.LiveMessages))
	<-ctx.Done()

	wg.Wait()

	logger.Log("msg", "exiting...")

	if err := m.Close(); err != nil {
		level.Warn(logger).Log("msg", "error closing paging manager", "err", err)
	}
	return j.Stop()
}

// load produces messages to one address and acknowledges a share of them,
// keeping memory pressure moving across the watermarks.
type load struct {
	logger  log.Logger
	journal *journal.Journal
	paging  *paging.Manager
	ids     *storage.IDGenerator
	address string

	inMemory []uint64
	sizes    map[uint64]int
	bytes    int64
}

func (l *load) run(ctx context.Context) {
	var (
		now     = time.Now()
		written = 0
		paged   = 0
	)

	for ctx.Err() == nil {
		body := make([]byte, rand.Intn(maxBodySize+1))
		rand.Read(body)

		msg := paging.Message{ID: l.ids.Next(), Body: body}

		_, ok, err := l.paging.Route(l.address, msg)
		if err != nil {
			level.Error(l.logger).Log("err", err)
			return
		}

		if ok {
			paged++
		} else {
			if err := l.journal.AppendAdd(msg.ID, recordTypeMessage, body, false); err != nil {
				level.Error(l.logger).Log("err", err)
				return
			}
			l.inMemory = append(l.inMemory, msg.ID)
			l.sizes[msg.ID] = len(body)
			l.bytes += int64(len(body))
		}

		written++

		if written%100 == 0 {
			if err := l.consume(); err != nil {
				level.Error(l.logger).Log("err", err)
				return
			}
		}
	}

	l.logger.Log("now", time.Now(), "since", time.Since(now), "written", written, "paged", paged, "msg", "messages have been written")
}

// consume acknowledges half of the in-memory messages, drains the paged
// ones and reports the new memory estimate.
func (l *load) consume() error {
	n := len(l.inMemory) / 2
	for _, id := range l.inMemory[:n] {
		if err := l.journal.AppendDelete(id); err != nil {
			return err
		}
		l.bytes -= int64(l.sizes[id])
		delete(l.sizes, id)
	}
	l.inMemory = l.inMemory[n:]

	if s, ok := l.paging.Lookup(l.address); ok {
		c := s.Cursor("consumer")
		for i := 0; i < 50; i++ {
			_, ok, err := c.Next()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
		}
		if err := c.Commit(); err != nil {
			return err
		}
	}

	_, err := l.paging.OnMemoryPressure(l.address, l.bytes+int64(rand.Intn(2*maxBodySize*100)))
	return err
}
