// Command softphone is a native participant: it dials a business as a caller,
// or answers for one as the dashboard (callee), over the shared Redis signaling
// store.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"callsy/internal/admission"
	"callsy/internal/calls"
	"callsy/internal/config"
	"callsy/internal/directory"
	"callsy/internal/media"
	"callsy/internal/presence"
	"callsy/internal/session"
	"callsy/internal/signaling"
	"callsy/pkg/logger"
	"callsy/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

func main() {
	envFile := flag.String("env", ".env", "optional env file loaded before config")
	role := flag.String("role", "caller", "caller or callee")
	businessID := flag.String("business", "", "business id to dial or answer for")
	seedFile := flag.String("seed", "", "JSON businesses for DIRECTORY_BACKEND=memory")
	recordDir := flag.String("record", "", "directory for Ogg recordings of remote audio")
	autoAnswer := flag.Bool("auto-answer", false, "callee: accept incoming calls without prompting")
	maxDuration := flag.Duration("max-duration", 0, "hang up connected calls after this long (0 = never)")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("env file load failed", "file", *envFile, "err", err)
		os.Exit(1)
	}
	if err := run(*role, *businessID, *seedFile, *recordDir, *autoAnswer, *maxDuration); err != nil {
		slog.Error("softphone failed", "err", err)
		os.Exit(1)
	}
}

func run(roleName, businessID, seedFile, recordDir string, autoAnswer bool, maxDuration time.Duration) error {
	r := signaling.Role(roleName)
	if !r.Valid() {
		return fmt.Errorf("unknown role %q", roleName)
	}
	if businessID == "" {
		return errors.New("-business is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadSoftphone()
	if err != nil {
		return err
	}
	log := logger.NewTo(cfg.App.Env, os.Stderr).With("business_id", businessID)
	slog.SetDefault(log)

	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		return err
	}
	defer rdb.Close()

	pres := presence.NewRedisStore(rdb, 0)
	ccfg := calls.Config{
		Role:               r,
		Channel:            signaling.NewRedisStore(rdb, cfg.Signaling.OfferTTL, log),
		Device:             media.NewDevice(media.NewMicrophone(log)),
		NegotiationTimeout: cfg.Signaling.NegotiationTimeout,
		RingTimeout:        cfg.Signaling.OfferTTL,
		QualityInterval:    cfg.Media.QualityInterval,
		DisconnectGrace:    cfg.Media.DisconnectGrace,
		Log:                log,
	}
	pcfg := session.PionConfig{ICEServers: cfg.Media.ICEServers, Log: log}
	if recordDir != "" {
		pcfg.RemoteSink = oggSink(recordDir, log)
	}
	ccfg.NewLink = session.NewPionFactory(pcfg)

	if r == signaling.RoleCaller {
		dir, db, err := openDirectory(ctx, cfg, seedFile)
		if err != nil {
			return err
		}
		if db != nil {
			defer db.Close()
		}
		ccfg.Gate = admission.NewGate(dir, pres, cfg.Presence.HeartbeatTimeout)
	}

	ctl, err := calls.NewController(ccfg)
	if err != nil {
		return err
	}

	ui := &console{ctl: ctl, autoAnswer: autoAnswer, maxDuration: maxDuration, out: os.Stdout}
	if r == signaling.RoleCaller {
		return ui.dial(ctx, businessID)
	}

	go presence.RunHeartbeat(ctx, pres, businessID, cfg.Presence.HeartbeatTimeout/3, log)
	if err := ctl.Listen(ctx, businessID); err != nil {
		return err
	}
	defer ctl.Stop(context.Background())
	return ui.answer(ctx, os.Stdin)
}

// console renders controller updates on stdout and reads commands from stdin.
type console struct {
	ctl         *calls.Controller
	autoAnswer  bool
	maxDuration time.Duration
	out         io.Writer
}

func (u *console) print(call calls.Call) {
	line := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), call.State)
	if call.Quality != nil {
		line += fmt.Sprintf(" quality=%s jitter=%.1fms loss=%.1f%%", call.Quality.Grade, call.Quality.JitterSeconds*1000, call.Quality.PacketLossRatio*100)
	}
	if call.Outcome != "" {
		line += " outcome=" + string(call.Outcome)
		if call.Reason != "" {
			line += " (" + call.Reason + ")"
		}
	}
	fmt.Fprintln(u.out, line)
}

// dial places one call and returns when it ends.
func (u *console) dial(ctx context.Context, businessID string) error {
	if err := u.ctl.StartCall(ctx, businessID); err != nil {
		if call, ok := u.ctl.Current(); ok {
			u.print(call)
		}
		return err
	}
	defer func() { _ = u.ctl.HangUp(context.Background()) }()

	var limit <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-limit:
			return u.ctl.HangUp(ctx)
		case call := <-u.ctl.Updates():
			u.print(call)
			if call.State == calls.StateConnected && u.maxDuration > 0 && limit == nil {
				limit = time.After(u.maxDuration)
			}
			if call.State == calls.StateEnded {
				return nil
			}
		}
	}
}

// answer serves incoming calls until ctx ends. Commands: a(ccept), r(eject), h(ang up).
func (u *console) answer(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- strings.TrimSpace(sc.Text())
		}
	}()

	var limit <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-limit:
			limit = nil
			_ = u.ctl.HangUp(ctx)
		case call := <-u.ctl.Updates():
			u.print(call)
			switch call.State {
			case calls.StateIncoming:
				if u.autoAnswer {
					if err := u.ctl.AcceptIncoming(ctx); err != nil {
						fmt.Fprintln(u.out, "accept failed:", err)
					}
				} else {
					fmt.Fprintln(u.out, "incoming call: [a]ccept or [r]eject")
				}
			case calls.StateConnected:
				if u.maxDuration > 0 && limit == nil {
					limit = time.After(u.maxDuration)
				}
			case calls.StateEnded, calls.StateIdle:
				limit = nil
			}
		case cmd := <-lines:
			var err error
			switch cmd {
			case "a":
				err = u.ctl.AcceptIncoming(ctx)
			case "r":
				err = u.ctl.Reject(ctx)
			case "h":
				err = u.ctl.HangUp(ctx)
			case "":
				continue
			default:
				fmt.Fprintln(u.out, "commands: a, r, h")
				continue
			}
			if err != nil {
				fmt.Fprintln(u.out, err)
			}
		}
	}
}

// oggSink writes each remote audio track to its own Ogg/Opus file.
func oggSink(dir string, log *slog.Logger) func(*webrtc.TrackRemote) {
	return func(track *webrtc.TrackRemote) {
		name := filepath.Join(dir, fmt.Sprintf("%s-%d.ogg", track.StreamID(), time.Now().Unix()))
		w, err := oggwriter.New(name, track.Codec().ClockRate, track.Codec().Channels)
		if err != nil {
			log.Error("recording open failed", "file", name, "err", err)
			return
		}
		defer w.Close()
		log.Info("recording remote audio", "file", name)
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			if err := w.WriteRTP(pkt); err != nil {
				log.Warn("recording write failed", "file", name, "err", err)
				return
			}
		}
	}
}

func openDirectory(ctx context.Context, cfg config.Config, seedFile string) (directory.Repository, *sql.DB, error) {
	if cfg.Directory.Backend == "memory" {
		if seedFile == "" {
			return directory.NewMemoryRepo(), nil, nil
		}
		f, err := os.Open(seedFile)
		if err != nil {
			return nil, nil, err
		}
		defer f.Close()
		seed, err := directory.DecodeSeed(f)
		if err != nil {
			return nil, nil, err
		}
		return directory.NewMemoryRepo(seed...), nil, nil
	}
	db, err := utils.OpenPostgres(ctx, utils.DefaultPostgresDriver, cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return nil, nil, err
	}
	return directory.NewPostgresRepo(db), db, nil
}
