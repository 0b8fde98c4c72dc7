package main

import (
	"context"
	"io"
	"net"
	"os"
	"time"

	"github.com/Zereker/framesock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	sendNumbers  int
	sendType     string
	sendFill     string
	sendSize     int
	sendCount    int
	sendSplit    string
	sendDelay    time.Duration
	sendCoalesce bool
	sendClients  int
	sendEcho     bool
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send generated JSON messages",
	Long: `Connect to a framesock server and send generated JSON messages.

--numbers N sends {"numbers":[0,...,N-1]}. --type/--fill/--size/--count send
{"type","id","payload"} messages. --split cuts every frame at the given byte
offsets and --delay pauses between the parts, so the receiver sees headers and
bodies arrive in pieces. --coalesce writes all frames with a single write.`,
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().IntVarP(&sendNumbers, "numbers", "n", 0, "send one {\"numbers\":[...]} message with N elements")
	sendCmd.Flags().StringVarP(&sendType, "type", "t", "BIG_BLOCK", "type of block messages")
	sendCmd.Flags().StringVar(&sendFill, "fill", "A", "string repeated to build the block payload")
	sendCmd.Flags().IntVarP(&sendSize, "size", "s", 2000, "repetitions of --fill per block payload")
	sendCmd.Flags().IntVar(&sendCount, "count", 1, "number of block messages")
	sendCmd.Flags().StringVar(&sendSplit, "split", "", "comma separated byte offsets to split each frame at, e.g. 10,50")
	sendCmd.Flags().DurationVarP(&sendDelay, "delay", "d", 0, "pause between split parts")
	sendCmd.Flags().BoolVar(&sendCoalesce, "coalesce", false, "write all frames in one write")
	sendCmd.Flags().IntVar(&sendClients, "clients", 1, "number of concurrent connections")
	sendCmd.Flags().BoolVarP(&sendEcho, "wait-echo", "w", false, "wait for every message to be echoed back")
}

// sendPlan describes what a single client writes.
type sendPlan struct {
	addr     string
	encoder  framesock.Encoder
	payloads [][]byte
	offsets  []int
	delay    time.Duration
	coalesce bool
	echo     bool
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg.LogLevel)

	var payloads [][]byte
	if sendNumbers > 0 {
		p, err := numbersMessage(sendNumbers)
		if err != nil {
			return err
		}
		payloads = [][]byte{p}
	} else {
		payloads, err = blockMessages(sendType, sendFill, sendSize, sendCount)
		if err != nil {
			return err
		}
	}

	offsets, err := parseOffsets(sendSplit)
	if err != nil {
		return err
	}

	plan := sendPlan{
		addr:     cfg.Addr,
		encoder:  framesock.NewEncoder(cfg.MaxPayload),
		payloads: payloads,
		offsets:  offsets,
		delay:    sendDelay,
		coalesce: sendCoalesce,
		echo:     sendEcho,
	}

	group, ctx := errgroup.WithContext(cmd.Context())
	for i := 0; i < sendClients; i++ {
		clientLog := logger.With().Int("client", i).Logger()
		group.Go(func() error {
			return plan.run(ctx, clientLog)
		})
	}
	return group.Wait()
}

func (p sendPlan) run(ctx context.Context, logger zerolog.Logger) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return errors.Wrapf(err, "dial %s", p.addr)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	logger.Info().Str("addr", p.addr).Msg("connected")

	if p.coalesce {
		if err := p.writeCoalesced(conn, logger); err != nil {
			return err
		}
	} else {
		for i, payload := range p.payloads {
			if err := p.writeSplit(ctx, conn, logger, i, payload); err != nil {
				return err
			}
		}
	}

	if p.echo {
		if err := p.readEchoes(conn, logger); err != nil {
			return err
		}
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}
	return nil
}

func (p sendPlan) writeCoalesced(w io.Writer, logger zerolog.Logger) error {
	var batch []byte
	for _, payload := range p.payloads {
		var err error
		batch, err = p.encoder.AppendFrame(batch, payload)
		if err != nil {
			return err
		}
	}
	if _, err := w.Write(batch); err != nil {
		return errors.Wrap(err, "write batch")
	}
	logger.Info().Int("frames", len(p.payloads)).Int("bytes", len(batch)).Msg("batch sent")
	return nil
}

func (p sendPlan) writeSplit(ctx context.Context, w io.Writer, logger zerolog.Logger, index int, payload []byte) error {
	frame, err := p.encoder.Encode(payload)
	if err != nil {
		return err
	}
	logger.Info().Int("message", index+1).Int("bytes", len(frame)).Msg("sending message")

	parts := splitFrame(frame, p.offsets)
	for i, part := range parts {
		if i > 0 && p.delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.delay):
			}
		}
		if _, err := w.Write(part); err != nil {
			return errors.Wrapf(err, "write part %d", i+1)
		}
		logger.Debug().Int("part", i+1).Int("bytes", len(part)).Msg("part sent")
	}
	return nil
}

func (p sendPlan) readEchoes(r io.Reader, logger zerolog.Logger) error {
	for i := range p.payloads {
		payload, err := framesock.ReadFrame(r, p.encoder.MaxPayload())
		if err != nil {
			return errors.Wrapf(err, "read echo %d", i+1)
		}
		logger.Info().Int("message", i+1).Int("bytes", len(payload)).Msg("echo received")
	}
	return nil
}
