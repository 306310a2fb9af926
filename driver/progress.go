// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package driver

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/styletransfer/transfer"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// DefaultTerminalWidth is used when the width of the terminal can't be determined.
const DefaultTerminalWidth = 120

// ProgressbarStyle to use. Consider progressbar.ThemeUnicode if the terminal supports it.
var ProgressbarStyle = progressbar.ThemeASCII

var (
	headerStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#B080F0")).PaddingLeft(2)
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// maxUpdateFrequency is the minimum time between two redraws of the metrics table.
const maxUpdateFrequency = time.Millisecond * 200

// BarWidth returns the width of the progress bar: 90% of the terminal width, or of DefaultTerminalWidth
// if stdout is not a terminal.
func BarWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		width = DefaultTerminalWidth
	}
	return width * 9 / 10
}

// progressBar displays one progress bar per epoch, with a table of the latest loss terms.
//
// The table is drawn asynchronously, so a slow terminal doesn't slow down the optimization.
type progressBar struct {
	epochs, stepsPerEpoch int
	bar                   *progressbar.ProgressBar

	termenv       *termenv.Output
	statsStyle    lipgloss.Style
	statsTable    *lgtable.Table
	isFirstOutput bool
	updates       chan progressUpdate
	updatesDone   sync.WaitGroup
	epochStart    time.Time
}

type progressUpdate struct {
	amount     int
	globalStep int64
	metrics    transfer.Metrics
	stepTime   time.Duration
}

// numTableLines is the number of lines to go back to redraw in place: 7 table rows, 2 borders and the bar.
const numTableLines = 7 + 2 + 1

func newProgressBar(epochs, stepsPerEpoch int) *progressBar {
	return &progressBar{
		epochs:        epochs,
		stepsPerEpoch: stepsPerEpoch,
		termenv:       termenv.NewOutput(os.Stdout),
		statsStyle:    lipgloss.NewStyle().PaddingLeft(8),
	}
}

// onEpochStart prints the epoch header and starts a new bar, starting at stepsDone.
func (pBar *progressBar) onEpochStart(epoch, stepsDone int) {
	fmt.Println(headerStyle.Render(fmt.Sprintf("Epoch %d/%d", epoch, pBar.epochs)))
	pBar.bar = progressbar.NewOptions(pBar.stepsPerEpoch,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWidth(BarWidth()),
	)
	if stepsDone > 0 {
		_ = pBar.bar.Set(stepsDone)
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.isFirstOutput = true
	pBar.epochStart = time.Now()
	pBar.updates = make(chan progressUpdate, 100)
	pBar.updatesDone.Add(1)
	go pBar.drawLoop(pBar.updates)
}

func (pBar *progressBar) onStep(globalStep int64, metrics transfer.Metrics, stepTime time.Duration) {
	pBar.updates <- progressUpdate{amount: 1, globalStep: globalStep, metrics: metrics, stepTime: stepTime}
}

func (pBar *progressBar) onEpochEnd() {
	close(pBar.updates)
	pBar.updatesDone.Wait()
	pBar.termenv.ShowCursor()
	fmt.Println()
}

func (pBar *progressBar) drawLoop(updates <-chan progressUpdate) {
	defer pBar.updatesDone.Done()
	for update := range updates {
		// Exhaust pending updates, only the last metrics are displayed.
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		pBar.statsTable.Row("Global Step", humanize.Comma(update.globalStep))
		pBar.statsTable.Row("Step duration", commandline.FormatDuration(update.stepTime))
		pBar.statsTable.Row("Epoch time", commandline.FormatDuration(time.Since(pBar.epochStart)))
		pBar.statsTable.Row("Loss", fmt.Sprintf("%.5g", update.metrics.Total))
		pBar.statsTable.Row("Style", fmt.Sprintf("%.5g", update.metrics.Style))
		pBar.statsTable.Row("Content", fmt.Sprintf("%.5g", update.metrics.Content))
		pBar.statsTable.Row("Variation", fmt.Sprintf("%.5g", update.metrics.Variation))

		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(numTableLines)
		}
		pBar.isFirstOutput = false
		fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount)
		fmt.Println()
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}
