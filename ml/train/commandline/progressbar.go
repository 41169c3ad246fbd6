// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/captionlab/captrain/ml/train"
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// progressBar holds a progressbar being displayed.
type progressBar struct {
	out              io.Writer
	numSteps         int
	lastStepReported int
	bar              *progressbar.ProgressBar

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	closeOnce        sync.Once
	asyncUpdatesDone sync.WaitGroup
}

// statsNames are the rows of the stats table, in the order of progressBarUpdate.metrics.
var statsNames = []string{"Global Step", "Epoch", "Mean Loss", "Step Loss", "Learning Rate", "Median Step"}

func (pBar *progressBar) onStart(loop *train.Loop) error {
	pBar.lastStepReported = loop.LoopStep
	var stepsMsg string
	if loop.EndStep < 0 {
		pBar.numSteps = 1000 // Guess for now.
	} else {
		pBar.numSteps = loop.EndStep - loop.StartStep
		stepsMsg = fmt.Sprintf(" (%d steps)", pBar.numSteps)
	}
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription(fmt.Sprintf("Training%s: ", stepsMsg)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		progressbar.OptionSetWriter(pBar.out),
	)
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, loss, learningRate float64) error {
	// Check whether it is finished.
	if pBar.bar == nil || pBar.bar.IsFinished() {
		return nil
	}

	// Check whether there is something to update.
	amount := loop.LoopStep + 1 - pBar.lastStepReported // +1 because the current LoopStep is finished.
	if amount <= 0 {
		return nil
	}

	// Create and enqueue an update to be asynchronously printed.
	pBar.updates <- progressBarUpdate{
		amount: amount,
		metrics: []string{
			fmt.Sprintf("%d / %d", loop.LoopStep+1, loop.EndStep),
			fmt.Sprintf("%d / %d", loop.Epoch, loop.Config.MaxEpoch),
			loop.MeanLoss.PrettyPrint(loop.MeanLoss.Value()),
			fmt.Sprintf("%.6f", loss),
			fmt.Sprintf("%g", learningRate),
			loop.MedianTrainStepDuration().String(),
		},
	}
	pBar.lastStepReported = loop.LoopStep + 1
	return nil
}

// stop the asynchronous display and wait for the pending updates to be printed.
func (pBar *progressBar) stop() {
	pBar.closeOnce.Do(func() { close(pBar.updates) })
	pBar.asyncUpdatesDone.Wait()
}

func (pBar *progressBar) onEnd(_ *train.Loop, _ []train.EpochMetrics) error {
	pBar.stop()
	_, _ = fmt.Fprintln(pBar.out)
	return nil
}

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "captrain.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
)

type progressBarUpdate struct {
	amount  int
	metrics []string
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// AttachProgressBar creates a commandline progress bar and attaches it to the Loop, so that
// everytime Loop is run it will display a progress bar with progression and metrics.
//
// It returns a function that stops the display: it only needs to be called if Loop.Run fails, since a
// successful run stops it at the end.
func AttachProgressBar(loop *train.Loop) (stop func()) {
	pBar := &progressBar{
		out:           os.Stdout,
		isFirstOutput: true,
		termenv:       termenv.NewOutput(os.Stdout),
		statsStyle:    lipgloss.NewStyle().PaddingLeft(8),
		statsTable: lgtable.New().
			Border(lipgloss.RoundedBorder()).
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == 0 {
					return rightAlignedStyle
				}
				return normalStyle
			}),
		updates: make(chan progressBarUpdate, 100), // Large buffer so things are not blocked.
	}
	pBar.asyncUpdatesDone.Add(1)
	go func() {
		defer pBar.asyncUpdatesDone.Done()
		// Asynchronously draw updates: training steps can be faster than the terminal.
		for update := range pBar.updates {
			// Exhaust the updates in buffer:
			amount := update.amount
		exhaust:
			for {
				select {
				case newUpdate, ok := <-pBar.updates:
					if !ok {
						break exhaust
					}
					amount += newUpdate.amount
					update = newUpdate
				default:
					break exhaust
				}
			}

			// Clear the previous lines that will be overwritten.
			if !pBar.isFirstOutput {
				pBar.termenv.ClearLines(len(update.metrics) + 1 + 2)
			}
			pBar.isFirstOutput = false

			// Print update.
			_ = pBar.bar.Add(amount) // Prints progress bar line.
			pBar.statsTable.Data(lgtable.NewStringData())
			_, _ = fmt.Fprintln(pBar.out)
			for ii, name := range statsNames {
				pBar.statsTable.Row(name, update.metrics[ii])
			}
			_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
			time.Sleep(maxUpdateFrequency)
		}
	}()
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	// Update at least 1000 times during loop or at least every 3 seconds.
	train.NTimesDuringLoop(loop, 1000, ProgressBarName, 0, pBar.onStep)
	train.PeriodicCallback(loop, 3*time.Second, false, ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
	return pBar.stop
}
