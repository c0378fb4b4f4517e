// Command detect-image runs traffic signal detection on still images from the
// command line, using the same flow server as the alert server.
package main

import (
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"

	"github.com/vision-alert/alert-server/internal/announce"
	"github.com/vision-alert/alert-server/internal/config"
	"github.com/vision-alert/alert-server/internal/detection"
	"github.com/vision-alert/alert-server/internal/genkit"
	"github.com/vision-alert/alert-server/internal/overlay"
	"github.com/vision-alert/alert-server/internal/sampler"
	"github.com/vision-alert/alert-server/pkg/types"
)

const (
	flagAI        = "ai"
	flagAPIKey    = "api-key"
	flagTimeout   = "timeout"
	flagThreshold = "threshold"
	flagSize      = "size"
	flagOut       = "out"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "detect-image: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	defaults := config.DefaultConfig()

	return &cli.App{
		Name:  "detect-image",
		Usage: "detect traffic signals in still images",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagAI,
				Value:   defaults.AI.BaseURL,
				Usage:   "flow server base URL",
				EnvVars: []string{"VISION_ALERT_AI"},
			},
			&cli.StringFlag{
				Name:    flagAPIKey,
				Usage:   "flow server API key",
				EnvVars: []string{"VISION_ALERT_API_KEY"},
			},
			&cli.DurationFlag{
				Name:  flagTimeout,
				Value: defaults.AI.Timeout,
				Usage: "per-request timeout",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "detect",
				Usage:     "detect signals in one or more images",
				ArgsUsage: "<image> [image...]",
				Flags: []cli.Flag{
					&cli.Float64Flag{
						Name:  flagThreshold,
						Value: defaults.Detection.Confidence,
						Usage: "confidence threshold in [0, 1]",
					},
					&cli.IntFlag{
						Name:  flagSize,
						Value: defaults.Detection.SampleSize,
						Usage: "square edge of the encoded sample",
					},
					&cli.PathFlag{
						Name:  flagOut,
						Usage: "directory for annotated JPEG copies",
					},
				},
				Action: DetectAction,
			},
			{
				Name:      "threshold",
				Usage:     "ask the flow server to apply a confidence threshold",
				ArgsUsage: "<value>",
				Action:    ThresholdAction,
			},
		},
	}
}

func newDetector(c *cli.Context) *detection.Client {
	flows := genkit.NewClient(c.String(flagAI),
		genkit.WithAPIKey(c.String(flagAPIKey)),
		genkit.WithTimeout(c.Duration(flagTimeout)))
	return detection.NewClient(flows, "", "")
}

// imageResult is the outcome for one input file.
type imageResult struct {
	Path       string
	Source     types.Size
	Detections []types.Detection
	Latency    time.Duration
	Err        error
}

// DetectAction is the corresponding Action for 'detect'.
func DetectAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("at least one image path is required", 2)
	}
	threshold := c.Float64(flagThreshold)
	if threshold < 0 || threshold > 1 {
		return cli.Exit(fmt.Sprintf("threshold %.2f outside [0, 1]", threshold), 2)
	}
	opts := sampler.Options{Size: c.Int(flagSize), Quality: sampler.DefaultOptions().Quality}
	outDir := c.Path(flagOut)
	if outDir != "" {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}

	det := newDetector(c)
	results := make([]imageResult, 0, c.NArg())
	failed := 0
	for _, path := range c.Args().Slice() {
		res := detectOne(c, det, path, threshold, opts, outDir)
		if res.Err != nil {
			failed++
		}
		results = append(results, res)
	}

	renderResults(c.App.Writer, results)
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d images failed", failed, len(results)), 1)
	}
	return nil
}

func detectOne(c *cli.Context, det *detection.Client, path string, threshold float64, opts sampler.Options, outDir string) imageResult {
	res := imageResult{Path: path}
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		res.Err = err
		return res
	}
	sample, err := sampler.Encode(img, opts)
	if err != nil {
		res.Err = err
		return res
	}
	res.Source = sample.Source

	start := time.Now()
	dets, err := det.Detect(c.Context, sample.DataURI, threshold)
	res.Latency = time.Since(start)
	if err != nil {
		res.Err = err
		return res
	}
	for i := range dets {
		dets[i].BBox = overlay.Scale(dets[i].BBox, sample.Encoded, sample.Source)
	}
	res.Detections = dets

	if outDir != "" {
		if err := writeAnnotated(img, dets, annotatedPath(outDir, path)); err != nil {
			res.Err = err
		}
	}
	return res
}

func annotatedPath(dir, src string) string {
	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	return filepath.Join(dir, base+"_detections.jpg")
}

func writeAnnotated(img image.Image, dets []types.Detection, path string) error {
	size := types.Size{Width: img.Bounds().Dx(), Height: img.Bounds().Dy()}
	annotated, err := overlay.Rasterize(img, overlay.Render(dets, size, size))
	if err != nil {
		return err
	}
	if err := imaging.Save(annotated, path, imaging.JPEGQuality(90)); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// renderResults prints one row per detection, plus one row for images with
// no detections or an error, followed by the signal that would be announced.
func renderResults(w io.Writer, results []imageResult) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Image", "Size", "Class", "Confidence", "Box (x, y, w, h)", "Latency"})

	sel := announce.NewSelector(config.DefaultPriority)
	total := 0
	for _, r := range results {
		size := fmt.Sprintf("%dx%d", r.Source.Width, r.Source.Height)
		latency := r.Latency.Round(time.Millisecond).String()
		switch {
		case r.Err != nil:
			t.AppendRow(table.Row{r.Path, size, "error", "", r.Err.Error(), latency})
		case len(r.Detections) == 0:
			t.AppendRow(table.Row{r.Path, size, "-", "", "", latency})
		default:
			for _, d := range r.Detections {
				b := d.BBox
				t.AppendRow(table.Row{
					r.Path, size, d.Class,
					fmt.Sprintf("%.0f%%", d.Confidence*100),
					fmt.Sprintf("%.0f, %.0f, %.0f, %.0f", b.X, b.Y, b.W, b.H),
					latency,
				})
			}
			total += len(r.Detections)
		}
		t.AppendSeparator()
	}

	footer := table.Row{"", "", "", "", "", fmt.Sprintf("%d detections", total)}
	t.AppendFooter(footer)
	t.Render()

	for _, r := range results {
		if class, ok := sel.Select(types.Classes(r.Detections)); ok {
			fmt.Fprintf(w, "%s: %q\n", r.Path, announce.Utterance(class))
		}
		sel.Reset()
	}
}

// ThresholdAction is the corresponding Action for 'threshold'.
func ThresholdAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("exactly one threshold value is required", 2)
	}
	value, err := strconv.ParseFloat(c.Args().First(), 64)
	if err != nil || value < 0 || value > 1 {
		return cli.Exit(fmt.Sprintf("threshold %q must be a number in [0, 1]", c.Args().First()), 2)
	}
	res, err := newDetector(c).AdjustThreshold(c.Context, value)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "success=%v threshold=%.2f %s\n", res.Success, value, res.Message)
	return nil
}
