package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"softphone-bridge/internal/apiclient"
	"softphone-bridge/internal/auth"
	"softphone-bridge/internal/calls"
	"softphone-bridge/internal/callstate"
	"softphone-bridge/internal/realtime"
	"softphone-bridge/internal/softphone"
	"softphone-bridge/pkg/logger"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const envPrefix = "SOFTPHONE"

type app struct {
	v   *viper.Viper
	log *slog.Logger
}

// NewRootCmd builds the softphone command tree. Settings resolve from flags,
// SOFTPHONE_* environment variables and an optional config file, in that order.
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	a.v.SetDefault("server", "http://localhost:3000")
	a.v.SetDefault("timeout", 10*time.Second)
	a.v.SetDefault("poll-interval", 2*time.Second)
	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:   "softphone",
		Short: "Headless softphone client",
		Long: `Headless softphone client

Places and tracks calls through the bridge server without local audio.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Config file (default ./softphone.yaml or ~/.config/softphone/softphone.yaml)")
	pf.StringP("server", "s", "", "Bridge server base URL")
	pf.Duration("timeout", 0, "Per-request timeout")
	pf.BoolP("verbose", "v", false, "Log state machine activity to stderr")
	for _, name := range []string{"config", "server", "timeout", "verbose"} {
		_ = a.v.BindPFlag(name, pf.Lookup(name))
	}

	callCmd := &cobra.Command{
		Use:   "call <number>",
		Short: "Place a call and follow it until it ends (Ctrl-C hangs up)",
		Args:  cobra.ExactArgs(1),
		RunE:  a.runCall,
	}
	callCmd.Flags().Duration("hangup-after", 0, "Hang up automatically once the call has lasted this long")
	callCmd.Flags().Duration("poll-interval", 0, "Fallback status poll interval")
	callCmd.Flags().Bool("no-socket", false, "Rely on polling only")
	_ = a.v.BindPFlag("poll-interval", callCmd.Flags().Lookup("poll-interval"))

	statusCmd := &cobra.Command{
		Use:   "status <callId>",
		Short: "Show the server's status for a call",
		Args:  cobra.ExactArgs(1),
		RunE:  a.runStatus,
	}

	hangupCmd := &cobra.Command{
		Use:   "hangup",
		Short: "End a call by id and/or tear down its bridge",
		Args:  cobra.NoArgs,
		RunE:  a.runHangup,
	}
	hangupCmd.Flags().String("call-id", "", "Provider call id")
	hangupCmd.Flags().String("bridge", "", "Bridge name")

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Fetch a device access token",
		Args:  cobra.NoArgs,
		RunE:  a.runToken,
	}
	tokenCmd.Flags().Bool("inspect", false, "Decode the token instead of printing it")

	smsCmd := &cobra.Command{
		Use:   "sms <to> <body...>",
		Short: "Send a text message",
		Args:  cobra.MinimumNArgs(2),
		RunE:  a.runSMS,
	}

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show server settings",
		Args:  cobra.NoArgs,
		RunE:  a.runInfo,
	}

	rootCmd.AddCommand(callCmd, statusCmd, hangupCmd, tokenCmd, smsCmd, infoCmd)
	return rootCmd
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if file := a.v.GetString("config"); file != "" {
		a.v.SetConfigFile(file)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		a.v.SetConfigName("softphone")
		a.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			a.v.AddConfigPath(home + "/.config/softphone")
		}
		var notFound viper.ConfigFileNotFoundError
		if err := a.v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	if a.v.GetBool("verbose") {
		a.log = logger.NewWithWriter("local", cmd.ErrOrStderr())
	} else {
		// keep the terminal for call progress; only problems reach stderr
		a.log = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	return nil
}

func (a *app) client() (*apiclient.Client, error) {
	return apiclient.New(apiclient.Options{BaseURL: a.v.GetString("server")})
}

func (a *app) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.v.GetDuration("timeout"))
}

// --- call ---

func (a *app) runCall(cmd *cobra.Command, args []string) error {
	api, err := a.client()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	hangupAfter, _ := cmd.Flags().GetDuration("hangup-after")
	noSocket, _ := cmd.Flags().GetBool("no-socket")

	var phone *softphone.Phone
	var sock *realtime.Client
	if !noSocket {
		sock = realtime.NewClient(realtime.ClientOptions{
			URL:    api.SocketURL(),
			Logger: a.log,
			OnStatus: func(u realtime.StatusUpdate) {
				phone.Push(u.CallID, u.Status)
			},
		})
	}

	opts := softphone.Options{
		API:          api,
		PollInterval: a.v.GetDuration("poll-interval"),
		Logger:       a.log,
	}
	if sock != nil {
		opts.Socket = sock
	}
	phone = softphone.New(opts)

	var (
		once    sync.Once
		outMu   sync.Mutex
		ended   = make(chan struct{})
		started = make(chan struct{}, 1)
	)
	// transitions arrive from poll, socket and timer goroutines
	phone.OnChange(func(s callstate.Session) {
		outMu.Lock()
		printSession(out, s)
		outMu.Unlock()
		switch s.Status {
		case callstate.StatusInProgress:
			select {
			case started <- struct{}{}:
			default:
			}
		case callstate.StatusIdle:
			once.Do(func() { close(ended) })
		}
	})
	phone.OnError(func(err error) {
		if errors.Is(err, callstate.ErrPlacementFailed) {
			return
		}
		outMu.Lock()
		color.New(color.FgYellow).Fprintf(out, "! %v\n", err)
		outMu.Unlock()
	})

	sockCtx, stopSock := context.WithCancel(context.Background())
	defer stopSock()
	g := new(errgroup.Group)
	if sock != nil {
		g.Go(func() error {
			if err := sock.Run(sockCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	ctx := cmd.Context()
	placeCtx, cancel := a.requestContext(ctx)
	err = phone.PlaceCall(placeCtx, args[0])
	cancel()
	if err != nil {
		stopSock()
		_ = g.Wait()
		return fmt.Errorf("place call: %w", err)
	}

	var autoHangup <-chan time.Time
	waitStart := started
	for waiting := true; waiting; {
		select {
		case <-ended:
			waiting = false
		case <-waitStart:
			waitStart = nil
			if hangupAfter > 0 {
				autoHangup = time.After(hangupAfter)
			}
		case <-autoHangup:
			autoHangup = nil
			_ = phone.Hangup()
		case <-ctx.Done():
			ctx = context.Background()
			outMu.Lock()
			fmt.Fprintln(out, "hanging up...")
			outMu.Unlock()
			_ = phone.Hangup()
		}
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), a.v.GetDuration("timeout"))
	defer cancel()
	closeErr := phone.Close(closeCtx)
	stopSock()
	if err := g.Wait(); err != nil {
		return err
	}
	return closeErr
}

func printSession(w io.Writer, s callstate.Session) {
	paint := color.New(color.FgCyan)
	switch s.Status {
	case callstate.StatusInProgress:
		paint = color.New(color.FgGreen)
	case callstate.StatusCompleted:
		paint = color.New(color.FgRed)
	case callstate.StatusIdle:
		paint = color.New(color.Faint)
	}

	line := fmt.Sprintf("%s  %-12s", time.Now().Format("15:04:05"), s.Status)
	if s.CallID != "" {
		line += "  " + s.CallID
	}
	if s.Status == callstate.StatusInProgress || s.Status == callstate.StatusCompleted {
		line += "  " + formatDuration(s.DurationSeconds)
	}
	if s.MutedLocally {
		line += "  (muted)"
	}
	if s.LastUpdateSource != "" {
		line += "  via " + string(s.LastUpdateSource)
	}
	if s.Status == callstate.StatusIdle && s.LastError != "" {
		line += "  " + s.LastError
	}
	paint.Fprintln(w, line)
}

func formatDuration(seconds int) string {
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// --- status ---

func (a *app) runStatus(cmd *cobra.Command, args []string) error {
	api, err := a.client()
	if err != nil {
		return err
	}
	ctx, cancel := a.requestContext(cmd.Context())
	defer cancel()

	rec, err := api.CallStatus(ctx, args[0])
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	status := string(rec.Status)
	switch {
	case rec.Status.IsTerminal():
		status = color.RedString(status)
	case rec.Status == calls.StatusInProgress:
		status = color.GreenString(status)
	}
	updated := "-"
	if !rec.UpdatedAt.IsZero() {
		updated = rec.UpdatedAt.Local().Format(time.RFC3339)
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"Call ID", "Status", "Direction", "Duration", "Updated"})
	table.SetBorder(true)
	table.SetRowLine(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.Append([]string{
		rec.CallID,
		status,
		string(rec.Direction),
		formatDuration(rec.DurationSeconds),
		updated,
	})
	table.Render()
	return nil
}

// --- hangup ---

func (a *app) runHangup(cmd *cobra.Command, _ []string) error {
	callID, _ := cmd.Flags().GetString("call-id")
	bridgeName, _ := cmd.Flags().GetString("bridge")
	if callID == "" && bridgeName == "" {
		return errors.New("hangup: --call-id or --bridge is required")
	}

	api, err := a.client()
	if err != nil {
		return err
	}
	ctx, cancel := a.requestContext(cmd.Context())
	defer cancel()

	if err := api.Hangup(ctx, callID, bridgeName); err != nil {
		return fmt.Errorf("hangup: %w", err)
	}
	color.New(color.FgGreen).Fprintln(cmd.OutOrStdout(), "✓ call ended")
	return nil
}

// --- token ---

func (a *app) runToken(cmd *cobra.Command, _ []string) error {
	api, err := a.client()
	if err != nil {
		return err
	}
	ctx, cancel := a.requestContext(cmd.Context())
	defer cancel()

	tok, err := api.Token(ctx)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	out := cmd.OutOrStdout()
	if inspect, _ := cmd.Flags().GetBool("inspect"); !inspect {
		fmt.Fprintln(out, tok)
		return nil
	}

	claims, header, err := auth.Inspect(tok)
	if err != nil {
		return fmt.Errorf("token: decode: %w", err)
	}

	rows := [][]string{
		{"Identity", claims.Grants.Identity},
		{"Issuer", claims.Issuer},
		{"Account", claims.Subject},
		{"Token ID", claims.ID},
		{"Content type", fmt.Sprint(header["cty"])},
	}
	if claims.IssuedAt != nil {
		rows = append(rows, []string{"Issued", claims.IssuedAt.Local().Format(time.RFC3339)})
	}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Local().Format(time.RFC3339)
		if claims.ExpiresAt.Before(time.Now()) {
			exp = color.RedString(exp + " (expired)")
		}
		rows = append(rows, []string{"Expires", exp})
	}
	if v := claims.Grants.Voice; v != nil {
		if v.Incoming != nil {
			rows = append(rows, []string{"Incoming allowed", strconv.FormatBool(v.Incoming.Allow)})
		}
		if v.Outgoing != nil {
			rows = append(rows, []string{"TwiML app", v.Outgoing.ApplicationSID})
		}
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Claim", "Value"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.AppendBulk(rows)
	table.Render()
	return nil
}

// --- sms ---

func (a *app) runSMS(cmd *cobra.Command, args []string) error {
	api, err := a.client()
	if err != nil {
		return err
	}
	ctx, cancel := a.requestContext(cmd.Context())
	defer cancel()

	msg, err := api.SendSMS(ctx, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return fmt.Errorf("sms: %w", err)
	}
	color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "✓ message %s %s\n", msg.Sid, msg.Status)
	return nil
}

// --- info ---

func (a *app) runInfo(cmd *cobra.Command, _ []string) error {
	api, err := a.client()
	if err != nil {
		return err
	}
	ctx, cancel := a.requestContext(cmd.Context())
	defer cancel()

	cfg, err := api.Config(ctx)
	if err != nil {
		return fmt.Errorf("info: %w", err)
	}
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"Setting", "Value"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.AppendBulk([][]string{
		{"Server", a.v.GetString("server")},
		{"Socket", api.SocketURL()},
		{"Environment", cfg.Environment},
		{"Identity", cfg.Identity},
	})
	table.Render()
	return nil
}
