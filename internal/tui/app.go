package tui

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/iconidentify/muxgrab/internal/domain"
)

const (
	labelURL        = "URL"
	labelResolution = "Resolution"
)

// App is the terminal application.
type App struct {
	app    *tview.Application
	ctrl   *Controller
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// UI components
	header    *tview.TextView
	form      *tview.Form
	urlInput  *tview.InputField
	picker    *tview.DropDown
	progress  *tview.TextView
	statusBar *tview.TextView
	footer    *tview.TextView

	busyMu sync.Mutex
	busy   bool
}

// NewApp creates the terminal application around ctrl.
func NewApp(ctrl *Controller, logger *slog.Logger) *App {
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		app:    tview.NewApplication(),
		ctrl:   ctrl,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	a.setupUI()
	return a
}

func (a *App) setupUI() {
	a.header = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText(fmt.Sprintf("\n[white::b]muxgrab[white] | Saving to: [green]%s", a.ctrl.DownloadDir()))
	a.header.SetBackgroundColor(tcell.ColorDarkBlue)

	a.form = tview.NewForm().
		AddInputField(labelURL, "", 70, nil, nil).
		AddDropDown(labelResolution, []string{"(fetch formats first)"}, 0, nil).
		AddButton("Fetch formats", a.onFetchFormats).
		AddButton("Download", a.onDownload).
		AddButton("Quit", a.Stop)
	a.form.SetBorder(true).SetTitle(" Download a video ")

	a.urlInput = a.form.GetFormItemByLabel(labelURL).(*tview.InputField)
	a.picker = a.form.GetFormItemByLabel(labelResolution).(*tview.DropDown)

	a.progress = tview.NewTextView().
		SetDynamicColors(true)
	a.progress.SetBorder(true).SetTitle(" Progress ")

	a.statusBar = tview.NewTextView().
		SetDynamicColors(true)
	a.statusBar.SetBackgroundColor(tcell.ColorDarkGreen)

	a.footer = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText("[yellow]Tab[white]:Next field [yellow]Enter[white]:Activate [yellow]Esc[white]:Quit")
	a.footer.SetBackgroundColor(tcell.ColorDarkBlue)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.header, 3, 0, false).
		AddItem(a.form, 9, 0, true).
		AddItem(a.progress, 3, 0, false).
		AddItem(tview.NewBox(), 0, 1, false).
		AddItem(a.statusBar, 1, 0, false).
		AddItem(a.footer, 1, 0, false)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape {
			a.Stop()
			return nil
		}
		return event
	})

	a.app.SetRoot(root, true)
}

// Run starts the application and blocks until it exits.
func (a *App) Run() error {
	a.statusBar.SetText(" Paste a URL and choose Fetch formats")
	return a.app.Run()
}

// Stop cancels any running operation and exits. Cancelling a fetch removes
// its workspace.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}

// begin marks the app busy; it returns false if an operation is running.
func (a *App) begin() bool {
	a.busyMu.Lock()
	defer a.busyMu.Unlock()
	if a.busy {
		return false
	}
	a.busy = true
	return true
}

func (a *App) end() {
	a.busyMu.Lock()
	a.busy = false
	a.busyMu.Unlock()
}

func (a *App) onFetchFormats() {
	url := a.urlInput.GetText()
	if !a.begin() {
		return
	}
	a.statusBar.SetText(" Fetching available formats...")
	a.progress.SetText("")

	go func() {
		defer a.end()

		ctx, cancel := context.WithTimeout(a.ctx, 2*time.Minute)
		defer cancel()

		session, err := a.ctrl.Load(ctx, url)
		if err != nil {
			a.app.QueueUpdateDraw(func() {
				a.picker.SetOptions([]string{"(fetch formats first)"}, nil)
				a.picker.SetCurrentOption(0)
			})
			a.setError(err)
			return
		}

		labels := make([]string, 0, len(session.Choices))
		for _, c := range session.Choices {
			labels = append(labels, c.Label)
		}
		title := ""
		if session.Listing != nil {
			title = session.Listing.Title
		}

		a.app.QueueUpdateDraw(func() {
			a.picker.SetOptions(labels, nil)
			a.picker.SetCurrentOption(0)
			a.app.SetFocus(a.picker)
		})
		a.setStatus(fmt.Sprintf("[green]%d resolutions for %q", len(labels), tview.Escape(title)))
	}()
}

func (a *App) onDownload() {
	index, _ := a.picker.GetCurrentOption()
	if !a.begin() {
		return
	}
	a.statusBar.SetText(" Downloading...")

	go func() {
		defer a.end()

		onProgress := func(p domain.Progress) {
			line := FormatProgress(p)
			a.app.QueueUpdateDraw(func() {
				a.progress.SetText(line)
			})
		}

		dest, err := a.ctrl.Download(a.ctx, index, onProgress)
		if err != nil {
			a.setError(err)
			return
		}

		a.app.QueueUpdateDraw(func() {
			a.picker.SetOptions([]string{"(fetch formats first)"}, nil)
			a.picker.SetCurrentOption(0)
			a.progress.SetText("[green]Saved " + dest)
		})
		a.setStatus("[green]Done. Fetch formats again to download another resolution.")
	}()
}

// setStatus is for use outside the event loop.
func (a *App) setStatus(msg string) {
	a.app.QueueUpdateDraw(func() {
		a.statusBar.SetText(" " + msg)
	})
}

func (a *App) setError(err error) {
	a.logger.Debug("operation failed", "error", err)
	msg := domain.UserMessage(err)
	if msg == "" {
		msg = err.Error()
	}
	a.setStatus("[red]" + tview.Escape(msg))
}
