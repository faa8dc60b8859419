// Command spectrum-plot renders a capture's PSD to a PNG, for offline
// inspection of a recorded IQ dump without standing up the full receiver.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/wildfind/harrier/internal/detect"
	"github.com/wildfind/harrier/internal/iqbuffer"
	"github.com/wildfind/harrier/internal/scan"
)

func main() {
	inPath := flag.String("in", "", "Path to a raw offset-binary IQ dump (as captured by the SDR driver)")
	outPath := flag.String("out", "spectrum.png", "Output PNG path")
	sampleRateHz := flag.Float64("rate", iqbuffer.SampleRateHz, "Sample rate of the IQ dump, in Hz")
	basebandHz := flag.Float64("baseband", 0, "Tuned baseband of the dump, in Hz; enables per-peak detection analysis")
	flag.Parse()

	if *inPath == "" {
		log.Fatal("spectrum-plot: -in is required")
	}

	raw, err := os.ReadFile(*inPath)
	if err != nil {
		log.Fatalf("spectrum-plot: read %s: %v", *inPath, err)
	}

	buf := iqbuffer.New(len(raw) / 2)
	if err := buf.WriteChunk(0, raw); err != nil {
		log.Fatalf("spectrum-plot: decode IQ dump: %v", err)
	}

	db, hzPerBin, err := scan.PSD(buf.Complex(), *sampleRateHz)
	if err != nil {
		log.Fatalf("spectrum-plot: PSD: %v", err)
	}
	peaks := scan.FindPeaks(db, hzPerBin)
	for _, p := range peaks {
		fmt.Println(p.String())
	}

	if *basebandHz > 0 && len(peaks) > 0 {
		offsets := make([]float64, len(peaks))
		for i, p := range peaks {
			offsets[i] = p.FrequencyOffsetHz
		}
		collars, dbg, err := detect.DetectDebug(buf.Complex(), offsets, *basebandHz, *sampleRateHz)
		if err != nil {
			log.Fatalf("spectrum-plot: detect: %v", err)
		}
		for _, l := range dbg.Lanes {
			fmt.Printf("lane %+.0fHz: %s (thresholds %.4f/%.4f)\n", l.OffsetHz, l.Outcome, l.ThreshHigh, l.ThreshLow)
		}
		for _, c := range collars {
			fmt.Println(c.Description())
		}
	}

	if err := render(db, hzPerBin, *outPath); err != nil {
		log.Fatalf("spectrum-plot: render: %v", err)
	}
	fmt.Printf("spectrum-plot: wrote %s (%d peaks)\n", *outPath, len(peaks))
}

func render(db []float64, hzPerBin float64, outPath string) error {
	p := plot.New()
	p.Title.Text = "Capture PSD"
	p.X.Label.Text = "offset (Hz)"
	p.Y.Label.Text = "level (dB)"

	centre := len(db) / 2
	pts := make(plotter.XYs, len(db))
	for i, v := range db {
		pts[i].X = float64(i-centre) * hzPerBin
		pts[i].Y = v
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	p.Add(line)

	return p.Save(10*vg.Inch, 4*vg.Inch, outPath)
}
