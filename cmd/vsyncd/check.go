package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/goodtune/vsyncd/internal/clock"
	"github.com/goodtune/vsyncd/internal/config"
	"github.com/goodtune/vsyncd/internal/fps"
	"github.com/goodtune/vsyncd/internal/frametimeline"
	"github.com/goodtune/vsyncd/internal/refreshrate"
)

var (
	checkLayers        []string
	checkTouch         bool
	checkIdle          bool
	checkCurrentMode   int
	checkPredicted     string
	checkActual        string
	checkRefreshRate   float64
	checkDisplayTarget float64
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check scheduler decisions interactively",
	Long:  `Check which refresh rate vsyncd would select for a set of layers, or how it would classify a frame.`,
}

var checkRefreshRateCmd = &cobra.Command{
	Use:   "refresh-rate [flags]",
	Short: "Check refresh rate selection",
	Long: `Check which display mode the selector picks for the given layer votes.
Each --layer is name:vote:fps[:weight][:focused].`,
	Example: `  vsyncd -c config.yaml check refresh-rate --layer video:exact:24 --layer ui:heuristic:60:0.3
  vsyncd check refresh-rate --layer game:explicit-default:90:1:focused --touch`,
	Args: cobra.NoArgs,
	RunE: runCheckRefreshRate,
}

var checkJankCmd = &cobra.Command{
	Use:   "jank [flags]",
	Short: "Check jank classification of a frame",
	Long: `Check how vsyncd classifies a frame given its predicted and actual
start,end,present times in milliseconds.`,
	Example: `  vsyncd check jank --predicted 10,20,30 --actual 10,25,47
  vsyncd check jank --predicted 0,16.6,33.3 --actual 0,12,33.3 --refresh-rate 60`,
	Args: cobra.NoArgs,
	RunE: runCheckJank,
}

func init() {
	// Refresh rate check flags
	checkRefreshRateCmd.Flags().StringArrayVar(&checkLayers, "layer", nil, "Layer vote name:vote:fps[:weight][:focused] (repeatable)")
	checkRefreshRateCmd.Flags().BoolVar(&checkTouch, "touch", false, "Consider the touch signal")
	checkRefreshRateCmd.Flags().BoolVar(&checkIdle, "idle", false, "Consider the idle signal")
	checkRefreshRateCmd.Flags().IntVar(&checkCurrentMode, "current", -1, "Current mode id - defaults to display.active_mode")

	// Jank check flags
	checkJankCmd.Flags().StringVar(&checkPredicted, "predicted", "", "Predicted start,end,present in ms (required)")
	checkJankCmd.Flags().StringVar(&checkActual, "actual", "", "Actual start,end,present in ms (required)")
	checkJankCmd.Flags().Float64Var(&checkRefreshRate, "refresh-rate", 60, "Display refresh rate in fps")
	checkJankCmd.Flags().Float64Var(&checkDisplayTarget, "compositor-present", 0, "Compositor's predicted present in ms - defaults to the actual present")
	_ = checkJankCmd.MarkFlagRequired("predicted")
	_ = checkJankCmd.MarkFlagRequired("actual")

	// Add subcommands
	checkCmd.AddCommand(checkRefreshRateCmd)
	checkCmd.AddCommand(checkJankCmd)
	rootCmd.AddCommand(checkCmd)
}

func runCheckRefreshRate(cmd *cobra.Command, args []string) error {
	if len(checkLayers) == 0 {
		return fmt.Errorf("at least one --layer is required")
	}

	layers := make([]refreshrate.LayerRequirement, 0, len(checkLayers))
	for _, spec := range checkLayers {
		layer, err := parseLayerFlag(spec)
		if err != nil {
			return err
		}
		layers = append(layers, layer)
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	current := cfg.Display.ActiveMode
	if checkCurrentMode >= 0 {
		current = checkCurrentMode
	}

	// Create a quiet logger for check mode
	logger := zerolog.Nop()

	selector := refreshrate.NewSelector(
		displayModes(cfg.Display),
		refreshrate.ConfigID(current),
		refreshrate.Options{EnableFrameRateOverride: cfg.Display.EnableFrameRateOverride},
		logger,
	)

	signals := refreshrate.GlobalSignals{Touch: checkTouch, Idle: checkIdle}
	best, considered := selector.GetBestRefreshRate(layers, signals)
	overrides := selector.GetFrameRateOverrides(layers, best.Fps(), checkTouch)

	printRefreshRateResult(selector, layers, signals, best, considered, overrides)

	return nil
}

// parseLayerFlag parses name:vote:fps[:weight][:focused].
func parseLayerFlag(spec string) (refreshrate.LayerRequirement, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 3 || len(parts) > 5 {
		return refreshrate.LayerRequirement{}, fmt.Errorf("invalid layer %q: want name:vote:fps[:weight][:focused]", spec)
	}

	vote, err := refreshrate.ParseLayerVoteType(parts[1])
	if err != nil {
		return refreshrate.LayerRequirement{}, fmt.Errorf("invalid layer %q: %w", spec, err)
	}
	rate, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return refreshrate.LayerRequirement{}, fmt.Errorf("invalid layer %q: bad fps %q", spec, parts[2])
	}

	layer := refreshrate.LayerRequirement{
		Name:       parts[0],
		Vote:       vote,
		DesiredFps: fps.New(rate),
		Weight:     1,
	}
	if len(parts) > 3 && parts[3] != "" {
		weight, err := strconv.ParseFloat(parts[3], 64)
		if err != nil || weight < 0 || weight > 1 {
			return refreshrate.LayerRequirement{}, fmt.Errorf("invalid layer %q: weight must be within [0, 1]", spec)
		}
		layer.Weight = weight
	}
	if len(parts) > 4 {
		if parts[4] != "focused" {
			return refreshrate.LayerRequirement{}, fmt.Errorf("invalid layer %q: unknown flag %q", spec, parts[4])
		}
		layer.Focused = true
	}
	return layer, nil
}

func runCheckJank(cmd *cobra.Command, args []string) error {
	predicted, err := parseTimelineFlag(checkPredicted)
	if err != nil {
		return fmt.Errorf("invalid --predicted: %w", err)
	}
	actual, err := parseTimelineFlag(checkActual)
	if err != nil {
		return fmt.Errorf("invalid --actual: %w", err)
	}
	if checkRefreshRate <= 0 {
		return fmt.Errorf("invalid --refresh-rate: %v", checkRefreshRate)
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	compositorPresent := actual.PresentTime
	if checkDisplayTarget > 0 {
		compositorPresent = millis(checkDisplayTarget)
	}

	frame := classifyFrame(predicted, actual, compositorPresent, fps.New(checkRefreshRate), jankThresholds(cfg.FrameTimeline))
	printJankResult(frame)

	return nil
}

// parseTimelineFlag parses start,end,present in milliseconds.
func parseTimelineFlag(s string) (frametimeline.TimelineItem, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return frametimeline.TimelineItem{}, fmt.Errorf("want start,end,present, got %q", s)
	}
	var values [3]int64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return frametimeline.TimelineItem{}, fmt.Errorf("bad time %q", p)
		}
		values[i] = millis(v)
	}
	return frametimeline.TimelineItem{StartTime: values[0], EndTime: values[1], PresentTime: values[2]}, nil
}

func millis(v float64) int64 {
	return int64(v * float64(time.Millisecond))
}

// classifyFrame runs one surface frame through a throwaway timeline. The
// compositor finishes on time and predicts compositorPresent, so a late
// present it did not foresee is charged to the display.
func classifyFrame(predicted, actual frametimeline.TimelineItem, compositorPresent int64, rate fps.Fps,
	thresholds frametimeline.JankClassificationThresholds) frametimeline.DisplayFrameSnapshot {
	clk := &clock.TestClock{CurrentTime: predicted.StartTime}
	timeline := frametimeline.New(nil, clk, thresholds, zerolog.Nop())

	appToken := timeline.RecordPrediction(predicted)
	displayPredictions := frametimeline.TimelineItem{
		StartTime:   predicted.StartTime,
		EndTime:     predicted.EndTime,
		PresentTime: compositorPresent,
	}
	displayToken := timeline.RecordPrediction(displayPredictions)

	sf := timeline.CreateSurfaceFrameForToken(&appToken, 0, 0, 1, "check", "check#1")
	sf.SetActualStartTime(actual.StartTime)
	sf.SetActualQueueTime(actual.EndTime)
	sf.SetAcquireFenceTime(actual.EndTime)
	sf.SetPresentState(frametimeline.PresentPresented, 0)

	timeline.SetSfWakeUp(displayToken, displayPredictions.StartTime, rate)
	timeline.AddSurfaceFrame(sf)
	timeline.SetSfPresent(displayPredictions.EndTime, frametimeline.SignaledFence(actual.PresentTime))

	frames := timeline.DisplayFrames()
	return frames[len(frames)-1]
}

// printRefreshRateResult prints the selection result with colors
func printRefreshRateResult(selector *refreshrate.Selector, layers []refreshrate.LayerRequirement, signals refreshrate.GlobalSignals,
	best refreshrate.RefreshRate, considered refreshrate.GlobalSignals, overrides map[int32]fps.Fps) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	_, _ = cyan.Println("REFRESH RATE CHECK")
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Current:    %s\n", selector.CurrentRefreshRate())
	fmt.Printf("Policy:     %s\n", selector.CurrentPolicy())
	fmt.Printf("Signals:    touch=%v idle=%v\n", signals.Touch, signals.Idle)
	fmt.Println("Layers:")
	for _, l := range layers {
		focused := ""
		if l.Focused {
			focused = " focused"
		}
		fmt.Printf("            %s %s %s weight=%.2f%s\n", l.Name, l.Vote, l.DesiredFps, l.Weight, focused)
	}
	fmt.Println()

	_, _ = cyan.Print("Decision:   ")
	_, _ = green.Println(best.String())
	if considered.Touch {
		fmt.Println("            → Touch boost applied")
	}
	if considered.Idle {
		fmt.Println("            → Idle timer applied")
	}

	if len(overrides) > 0 {
		uids := make([]int32, 0, len(overrides))
		for uid := range overrides {
			uids = append(uids, uid)
		}
		sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
		for _, uid := range uids {
			_, _ = yellow.Printf("Override:   uid %d → %s\n", uid, overrides[uid])
		}
	}

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

// printJankResult prints the classification with colors
func printJankResult(frame frametimeline.DisplayFrameSnapshot) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	jankColor := func(t frametimeline.JankType) *color.Color {
		if t.IsNone() {
			return green
		}
		return red
	}

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	_, _ = cyan.Println("JANK CLASSIFICATION CHECK")
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Refresh Rate: %s\n", frame.RefreshRate)
	fmt.Println()

	_, _ = cyan.Print("Display:    ")
	_, _ = jankColor(frame.JankType).Println(frame.JankType)
	fmt.Printf("            → %s, %s, %s\n", frame.FramePresentMetadata, frame.FrameReadyMetadata, frame.FrameStartMetadata)

	for _, sf := range frame.SurfaceFrames {
		_, _ = cyan.Print("App:        ")
		_, _ = jankColor(sf.JankType).Println(sf.JankType)
		fmt.Printf("            → %s, %s\n", sf.FramePresentMetadata, sf.FrameReadyMetadata)
		fmt.Printf("            → present delta %s\n",
			time.Duration(sf.Actuals.PresentTime-sf.Predictions.PresentTime))
	}

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}
