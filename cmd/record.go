package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/babelcloud/gbox/packages/capture/config"
	"github.com/babelcloud/gbox/packages/capture/internal/capture/coordinator"
	"github.com/babelcloud/gbox/packages/capture/internal/capture/core"
	"github.com/babelcloud/gbox/packages/capture/internal/capture/display"
	"github.com/babelcloud/gbox/packages/capture/internal/capture/muxer"
	"github.com/babelcloud/gbox/packages/capture/internal/capture/orientation"
	"github.com/babelcloud/gbox/packages/capture/internal/capture/preview"
	"github.com/babelcloud/gbox/packages/capture/internal/capture/recorder"
	"github.com/babelcloud/gbox/packages/capture/internal/capture/source"
	"github.com/babelcloud/gbox/packages/capture/internal/util"
)

const (
	statusInterval = 500 * time.Millisecond
	stopTimeout    = 10 * time.Second
)

type RecordOptions struct {
	Duration    time.Duration
	OutputDir   string
	Container   string
	Codec       string
	Size        string
	FPS         int
	Orientation string
	Reference   string
	Listen      string
	NoAudio     bool
}

// recordPlan is RecordOptions resolved against the configuration.
type recordPlan struct {
	source    source.SyntheticConfig
	recording recorder.Config
	reference orientation.Orientation
	current   orientation.Orientation
}

func NewRecordCommand() *cobra.Command {
	opts := &RecordOptions{}

	cmd := &cobra.Command{
		Use:   "record [flags]",
		Short: "Record the synthetic capture source to a movie file",
		Long: `Start the synthetic capture source and record it to a fragmented MP4 or WebM
file. Recording stops after --duration, or on Ctrl-C when no duration is given.
With --listen, the live preview is served over HTTP while recording.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteRecord(cmd, opts)
		},
		Example: `  # Record ten seconds into the default directory
  gcapture record --duration 10s

  # Record a landscape device held upside down, as WebM
  gcapture record --orientation landscape-left --container webm

  # Record until Ctrl-C and watch the preview at http://localhost:8090/
  gcapture record --listen :8090`,
	}

	flags := cmd.Flags()
	flags.DurationVarP(&opts.Duration, "duration", "d", 0, "Stop recording after this long (0 records until interrupted)")
	flags.StringVarP(&opts.OutputDir, "output", "o", "", "Directory for the recording (default from recording.dir)")
	flags.StringVar(&opts.Container, "container", "", "Container format: mp4 or webm (default from recording.container)")
	flags.StringVar(&opts.Codec, "codec", "mjpeg", "Synthetic video codec: mjpeg or rgba")
	flags.StringVar(&opts.Size, "size", "640x480", "Synthetic video size WIDTHxHEIGHT")
	flags.IntVar(&opts.FPS, "fps", 30, "Synthetic video frame rate")
	flags.StringVar(&opts.Orientation, "orientation", "", "Current device orientation (default: the reference orientation)")
	flags.StringVar(&opts.Reference, "reference", "", "Reference orientation (default from recording.reference_orientation)")
	flags.StringVar(&opts.Listen, "listen", "", "Serve the live preview on this address (default from preview.listen)")
	flags.BoolVar(&opts.NoAudio, "no-audio", false, "Record video only")

	orientations := []string{"portrait", "portrait-upside-down", "landscape-right", "landscape-left"}
	cmd.RegisterFlagCompletionFunc("orientation", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return orientations, cobra.ShellCompDirectiveNoFileComp
	})
	cmd.RegisterFlagCompletionFunc("reference", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return orientations, cobra.ShellCompDirectiveNoFileComp
	})
	cmd.RegisterFlagCompletionFunc("container", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"mp4", "webm"}, cobra.ShellCompDirectiveNoFileComp
	})
	cmd.RegisterFlagCompletionFunc("codec", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"mjpeg", "rgba"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func ExecuteRecord(cmd *cobra.Command, opts *RecordOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	live := term.IsTerminal(int(os.Stdout.Fd()))

	res, err := runRecording(ctx, opts, out, live)
	if res.ID != "" {
		printRecordingResult(out, res)
	}
	return err
}

func (opts *RecordOptions) plan() (*recordPlan, error) {
	containerName := opts.Container
	if containerName == "" {
		containerName = config.GetContainer()
	}
	container, err := muxer.ParseContainer(containerName)
	if err != nil {
		return nil, err
	}

	codec, err := core.ParseCodec(opts.Codec)
	if err != nil {
		return nil, err
	}
	if codec != core.CodecMJPEG && codec != core.CodecRawRGBA {
		return nil, fmt.Errorf("synthetic source cannot produce %s video", codec)
	}

	var width, height int
	if _, err := fmt.Sscanf(opts.Size, "%dx%d", &width, &height); err != nil || width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid size %q, expected WIDTHxHEIGHT", opts.Size)
	}
	if opts.FPS <= 0 {
		return nil, fmt.Errorf("invalid frame rate %d", opts.FPS)
	}

	referenceName := opts.Reference
	if referenceName == "" {
		referenceName = config.GetReferenceOrientation()
	}
	reference, err := orientation.Parse(referenceName)
	if err != nil {
		return nil, err
	}
	current := reference
	if opts.Orientation != "" {
		if current, err = orientation.Parse(opts.Orientation); err != nil {
			return nil, err
		}
	}

	dir := opts.OutputDir
	if dir == "" {
		dir = config.GetRecordingDir()
	}

	src := source.DefaultSyntheticConfig()
	src.Width, src.Height, src.FPS, src.VideoCodec = width, height, opts.FPS, codec
	src.SampleRate, src.Channels = config.GetAudioSampleRate(), config.GetAudioChannels()

	rec := recorder.Config{Dir: dir, Container: container}

	switch audioCodec := config.GetAudioCodec(); {
	case opts.NoAudio || audioCodec == "none":
		src.SampleRate = 0
	case audioCodec == "pcm":
		audio := &core.AudioFormatInfo{Codec: core.CodecPCM, SampleRate: src.SampleRate, Channels: src.Channels}
		if err := audio.Validate(); err != nil {
			return nil, err
		}
		rec.DefaultAudio = audio
	default:
		return nil, fmt.Errorf("synthetic source records pcm audio only, got %q", audioCodec)
	}

	return &recordPlan{source: src, recording: rec, reference: reference, current: current}, nil
}

// runRecording records the synthetic source until ctx is done or the
// duration elapses. A failed session ends it early.
func runRecording(ctx context.Context, opts *RecordOptions, out io.Writer, live bool) (recorder.Result, error) {
	plan, err := opts.plan()
	if err != nil {
		return recorder.Result{}, err
	}
	logger := util.GetLogger()

	src, err := source.NewSynthetic(plan.source, source.WithLogger(logger))
	if err != nil {
		return recorder.Result{}, err
	}

	red := color.New(color.FgRed, color.Bold).SprintFunc()
	coord := coordinator.New(src, coordinator.Config{
		Recording:   plan.recording,
		Reference:   plan.reference,
		Current:     plan.current,
		StatsWindow: config.GetStatsWindow(),
	},
		coordinator.WithLogger(logger),
		coordinator.WithErrorHandler(func(e *core.Error) {
			fmt.Fprintf(out, "\n%s %v\n", red("error:"), e)
		}),
	)

	if err := coord.StartCapture(context.Background()); err != nil {
		return recorder.Result{}, err
	}

	displayCtx, cancelDisplay := context.WithCancel(ctx)
	defer cancelDisplay()

	var displayed atomic.Uint64
	coord.SetDisplayObserver(preview.ObserverFunc(func(f *preview.Frame) {
		displayed.Add(1)
	}))
	go coord.RunDisplay(displayCtx)

	listen := opts.Listen
	if listen == "" {
		listen = config.GetPreviewListen()
	}
	if listen != "" {
		go servePreview(displayCtx, coord, listen, logger)
	}

	session, err := coord.StartRecording()
	if err != nil {
		closeCoordinator(coord, logger)
		return recorder.Result{}, err
	}

	var deadline <-chan time.Time
	if opts.Duration > 0 {
		timer := time.NewTimer(opts.Duration)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	startedAt := time.Now()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-deadline:
			break loop
		case <-session.Done():
			break loop
		case <-ticker.C:
			if live {
				printRecordingStatus(out, coord, session, displayed.Load(), time.Since(startedAt))
			}
		}
	}
	if live {
		fmt.Fprintln(out)
	}

	cancelDisplay()
	closeCoordinator(coord, logger)

	waitCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	res, err := session.Wait(waitCtx)
	if err != nil {
		return res, errors.Wrap(err, "recording failed")
	}
	return res, nil
}

func closeCoordinator(coord *coordinator.Coordinator, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := coord.Close(ctx); err != nil {
		logger.Warn("Failed to stop capture cleanly", "error", err)
	}
}

func servePreview(ctx context.Context, coord *coordinator.Coordinator, addr string, logger *slog.Logger) {
	srv := display.NewServer(coord, display.WithLogger(logger))
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		logger.Error("Preview server stopped", "error", err)
	}
}

func printRecordingStatus(out io.Writer, coord *coordinator.Coordinator, s *recorder.Session, displayed uint64, elapsed time.Duration) {
	state := s.State()
	stateText := color.GreenString("%s", state)
	if state == recorder.Failed {
		stateText = color.RedString("%s", state)
	}
	fmt.Fprintf(out, "\r%s %s  %s  %5.1f fps  %d previewed   ",
		color.New(color.Bold).Sprint("●"),
		stateText,
		elapsed.Truncate(100*time.Millisecond),
		coord.FrameRate(),
		displayed)
}

func printRecordingResult(out io.Writer, res recorder.Result) {
	if res.Err != nil {
		fmt.Fprintf(out, "%s %v\n", color.RedString("Recording failed:"), res.Err)
		return
	}
	fmt.Fprintf(out, "%s %s\n", color.GreenString("Recording saved:"), res.Path)

	audio := "none"
	if res.AudioFormat != nil {
		audio = fmt.Sprintf("%s %d Hz %d ch", res.AudioFormat.Codec, res.AudioFormat.SampleRate, res.AudioFormat.Channels)
	}
	rows := []map[string]interface{}{
		{"key": "Session", "value": res.ID},
		{"key": "Container", "value": res.Container},
		{"key": "Video", "value": fmt.Sprintf("%s %s", res.VideoFormat.Codec, res.VideoFormat.Dimensions)},
		{"key": "Frames", "value": res.VideoFrames},
		{"key": "Duration", "value": res.VideoDuration},
		{"key": "Audio", "value": audio},
		{"key": "Audio frames", "value": fmt.Sprintf("%d (%d dropped)", res.AudioFrames, res.DroppedAudio)},
		{"key": "Rotation", "value": fmt.Sprintf("%.0f°", res.Transform.Degrees())},
		{"key": "Size", "value": fmt.Sprintf("%d bytes", res.Bytes)},
	}
	util.RenderTable(out, []util.TableColumn{
		{Header: "FIELD", Key: "key"},
		{Header: "VALUE", Key: "value"},
	}, rows)
}
