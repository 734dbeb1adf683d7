package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-cyclegan/layers"
)

// ProgressBar provides tqdm-style training progress visualization
type ProgressBar struct {
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
	out         io.Writer
}

// NewProgressBarTo creates a progress bar writing to w
func NewProgressBarTo(w io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
		out:         w,
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	pb.metrics = metrics
	pb.render()
}

// UpdateMetrics updates metrics without advancing progress
func (pb *ProgressBar) UpdateMetrics(metrics map[string]float64) {
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	fmt.Fprint(pb.out, pb.line(time.Since(pb.startTime)))
}

// line formats the bar for the given elapsed time
func (pb *ProgressBar) line(elapsed time.Duration) string {
	percentage := 0.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	var eta time.Duration
	var rate float64
	if pb.current > 0 && elapsed > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "\r%s: %3.0f%%|%s| %d/%d", pb.description, percentage*100, bar, pb.current, pb.total)

	if pb.showETA && eta > 0 {
		fmt.Fprintf(&sb, " [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		fmt.Fprintf(&sb, " [%s<00:00", formatDuration(elapsed))
	}
	if pb.showRate && rate > 0 {
		fmt.Fprintf(&sb, ", %.2fit/s", rate)
	}

	// map order is random; keep the postfix stable between redraws
	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, ", %s=%.3f", k, pb.metrics[k])
	}
	sb.WriteString("]")
	return sb.String()
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// PrintArchitecture writes a PyTorch-style listing of a compiled network
func PrintArchitecture(w io.Writer, name string, spec *layers.ModelSpec) {
	fmt.Fprintf(w, "%s(\n", name)
	for _, layer := range spec.Layers {
		fmt.Fprintf(w, "  %s\n", formatLayer(layer))
	}
	fmt.Fprintf(w, ")\n")
	fmt.Fprintf(w, "Total parameters: %s\n", formatParameterCount(spec.TotalParameters))
	fmt.Fprintf(w, "Params size (MB): %.3f\n", float64(spec.TotalParameters*4)/1024/1024)
}

func formatLayer(layer layers.LayerSpec) string {
	switch layer.Type {
	case layers.PointwiseConv:
		in, out := 0, 0
		if len(layer.InputShape) > 0 {
			in = layer.InputShape[0]
		}
		if len(layer.OutputShape) > 0 {
			out = layer.OutputShape[0]
		}
		return fmt.Sprintf("(%s): Conv2d(%d, %d, kernel_size=(1, 1))", layer.Name, in, out)
	case layers.LeakyReLU:
		return fmt.Sprintf("(%s): LeakyReLU(negative_slope=%v)", layer.Name, layer.Parameters["negative_slope"])
	case layers.AvgPool2D:
		return fmt.Sprintf("(%s): AvgPool2d(kernel_size=%v)", layer.Name, layer.Parameters["kernel_size"])
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type.String())
	}
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}
