package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/eiannone/keyboard"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/chmdznr/violsync/internal/connectivity"
	"github.com/chmdznr/violsync/internal/export"
	"github.com/chmdznr/violsync/internal/maintenance"
	"github.com/chmdznr/violsync/pkg/models"
	"github.com/chmdznr/violsync/pkg/utils"
)

const dayLayout = "2006-01-02"

func (a *application) initDB(c *cli.Context) error {
	store, err := a.openDB()
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Printf("Database ready at %s\n", a.cfg.Database.Path)
	return nil
}

// capture validates and stores a new violation. With --sync a pass is
// started right after the record is saved.
func (a *application) capture(c *cli.Context) error {
	capturedAt := time.Now()
	if at := c.String("at"); at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return fmt.Errorf("invalid --at value: %v", err)
		}
		capturedAt = t
	}

	location, err := captureLocation(c.IsSet("lat"), c.IsSet("lon"), c.Float64("lat"), c.Float64("lon"))
	if err != nil {
		return err
	}
	if location == nil {
		a.logger.Warn("No location provided, violation is saved without coordinates")
	}

	v, err := models.NewViolation(
		c.String("description"),
		models.Category(c.String("category")),
		c.String("photo"),
		capturedAt,
		location,
		a.cfg.Categories(),
	)
	if err != nil {
		return err
	}
	v.UserID = a.cfg.Capture.UserID
	if u := c.String("user"); u != "" {
		v.UserID = u
	}

	store, err := a.openDB()
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := store.Insert(c.Context, v)
	if err != nil {
		return fmt.Errorf("failed to save violation: %v", err)
	}
	a.logger.Info("Violation captured", zap.Int64("violation_id", id), zap.String("category", string(v.Category)))
	fmt.Printf("Violation %d saved (pending sync)\n", id)

	if !c.Bool("sync") {
		return nil
	}

	syncer, closeSyncer, err := a.newSyncer(c.Context, store, 0, false)
	if err != nil {
		return err
	}
	defer closeSyncer()

	syncer.Trigger(c.Context)
	syncer.Wait()

	synced, err := store.Get(c.Context, id)
	if err != nil {
		return err
	}
	fmt.Printf("Violation %d is %s\n", id, synced.SyncState)
	return nil
}

// captureLocation builds the capture coordinates. Both or neither of
// latitude and longitude must be given.
func captureLocation(latSet, lonSet bool, lat, lon float64) (*models.Location, error) {
	if latSet != lonSet {
		return nil, &models.ValidationError{Fields: []models.FieldError{
			{Field: "location", Message: "--lat and --lon must be given together"},
		}}
	}
	if !latSet {
		return nil, nil
	}
	return &models.Location{Latitude: lat, Longitude: lon}, nil
}

func (a *application) list(c *cli.Context) error {
	store, err := a.openDB()
	if err != nil {
		return err
	}
	defer store.Close()

	var records []models.Violation
	if c.Bool("pending") {
		records, err = store.QueryPending(c.Context)
	} else {
		var start, end time.Time
		start, end, err = dayRange(c.String("from"), c.String("to"), time.Now())
		if err != nil {
			return err
		}
		records, err = store.QueryByDateRange(c.Context, start, end)
	}
	if err != nil {
		return fmt.Errorf("failed to query violations: %v", err)
	}

	if len(records) == 0 {
		fmt.Println("No violations found")
		return nil
	}
	for _, v := range records {
		loc := "-"
		if v.Location != nil {
			loc = v.Location.String()
		}
		fmt.Printf("%5d  %s  %-8s  %-16s  %-22s  %s\n",
			v.ID,
			v.CapturedAt.Local().Format("2006-01-02 15:04"),
			v.SyncState,
			v.Category,
			loc,
			v.Description,
		)
	}
	return nil
}

// status shows the number of total, pending and synced violations and the
// size of photos still waiting for upload.
func (a *application) status(c *cli.Context) error {
	store, err := a.openDB()
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.GetStats(c.Context)
	if err != nil {
		return fmt.Errorf("failed to get stats: %v", err)
	}
	pending, err := store.QueryPending(c.Context)
	if err != nil {
		return fmt.Errorf("failed to query pending violations: %v", err)
	}

	var pendingSize int64
	var missing int
	for _, v := range pending {
		if v.HasRemoteImage() {
			continue
		}
		media, err := models.StatMedia(v.LocalImageRef)
		if err != nil {
			missing++
			continue
		}
		pendingSize += media.Size
	}

	fmt.Printf("Database: %s\n", a.cfg.Database.Path)
	fmt.Printf("Total Violations: %d\n", stats.TotalRecords)
	fmt.Printf("Synced: %d\n", stats.SyncedRecords)
	fmt.Printf("Pending: %d (photos to upload: %s, already uploaded: %d)\n",
		stats.PendingRecords, utils.FormatSize(pendingSize), stats.UploadedPending)
	if missing > 0 {
		fmt.Printf("Missing Photos: %d\n", missing)
	}
	if stats.LastCapturedAt != nil {
		fmt.Printf("Last Capture: %s\n", stats.LastCapturedAt.Local().Format(time.RFC1123))
	}
	if stats.TotalRecords > 0 {
		progress := float64(stats.SyncedRecords) / float64(stats.TotalRecords) * 100
		fmt.Printf("Progress: %.2f%%\n", progress)
	}
	return nil
}

func (a *application) sync(c *cli.Context) error {
	store, err := a.openDB()
	if err != nil {
		return err
	}
	defer store.Close()

	syncer, closeSyncer, err := a.newSyncer(c.Context, store, c.Int("workers"), !c.Bool("quiet"))
	if err != nil {
		return err
	}
	defer closeSyncer()

	result, err := syncer.Sync(c.Context)
	if err != nil {
		return fmt.Errorf("sync failed: %v", err)
	}

	fmt.Printf("Sync completed in %s\n", utils.FormatDuration(result.Duration))
	fmt.Printf("- Synced: %d of %d\n", result.Synced, result.Attempted)
	fmt.Printf("- Photos uploaded: %d (reused: %d)\n", result.Uploaded, result.ReusedUploads)
	if result.Failed() > 0 {
		fmt.Printf("- Still pending after failures: %d (upload %d, submit %d, store %d)\n",
			result.Failed(), result.UploadFailures, result.SubmitFailures, result.StoreFailures)
	}
	return nil
}

// watch runs until interrupted, syncing on connectivity restore and on every
// sync.interval tick. All triggers share one engine, and the store lease keeps
// passes of other processes on the same database out.
func (a *application) watch(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := a.openDB()
	if err != nil {
		return err
	}
	defer store.Close()

	syncer, closeSyncer, err := a.newSyncer(ctx, store, 0, false)
	if err != nil {
		return err
	}
	defer closeSyncer()

	source, err := newSource(a.cfg, a.logger)
	if err != nil {
		return err
	}
	go source.run(ctx)

	monitor := connectivity.NewMonitor(source, syncer, a.logger)
	monitor.Start(ctx)
	defer monitor.Stop()

	a.logger.Info("Watching for connectivity changes",
		zap.String("source", a.cfg.Connectivity.Source),
		zap.Duration("interval", a.cfg.Sync.Interval),
	)

	var tick <-chan time.Time
	if a.cfg.Sync.Interval > 0 {
		ticker := time.NewTicker(a.cfg.Sync.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Shutting down, waiting for running sync pass")
			monitor.Stop()
			syncer.Wait()
			return nil
		case <-tick:
			if monitor.Connected() {
				syncer.Trigger(ctx)
			}
		}
	}
}

func (a *application) export(c *cli.Context) error {
	start, end, err := dayRange(c.String("from"), c.String("to"), time.Now())
	if err != nil {
		return err
	}

	store, err := a.openDB()
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.QueryByDateRange(c.Context, start, end)
	if err != nil {
		return fmt.Errorf("failed to query violations: %v", err)
	}

	out := c.String("out")
	if err := export.SaveXLSX(out, records); err != nil {
		return err
	}
	fmt.Printf("Exported %d violations to %s\n", len(records), out)
	return nil
}

func (a *application) clear(c *cli.Context) error {
	store, err := a.openDB()
	if err != nil {
		return err
	}
	defer store.Close()

	if !c.Bool("yes") {
		stats, err := store.GetStats(c.Context)
		if err != nil {
			return fmt.Errorf("failed to get stats: %v", err)
		}
		fmt.Printf("Delete all %d violations (%d not yet synced)? [y/N] ", stats.TotalRecords, stats.PendingRecords)
		ok, err := confirm()
		fmt.Println()
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %v", err)
		}
		if !ok {
			fmt.Println("Aborted")
			return nil
		}
	}

	n, err := maintenance.NewService(store, a.logger).ClearAll(c.Context)
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d violations\n", n)
	return nil
}

// confirm waits for a single keypress and reports whether it was y or Y
func confirm() (bool, error) {
	char, key, err := keyboard.GetSingleKey()
	if err != nil {
		return false, err
	}
	if key == keyboard.KeyCtrlC || key == keyboard.KeyEsc {
		return false, nil
	}
	return char == 'y' || char == 'Y', nil
}

// dayRange turns --from/--to day flags into an inclusive time range in local time.
func dayRange(from, to string, now time.Time) (time.Time, time.Time, error) {
	var start time.Time
	if from == "" {
		y, m, d := now.Date()
		start = time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	} else {
		t, err := time.ParseInLocation(dayLayout, strings.TrimSpace(from), now.Location())
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --from date: %v", err)
		}
		start = t
	}

	last := start
	if to != "" {
		t, err := time.ParseInLocation(dayLayout, strings.TrimSpace(to), now.Location())
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --to date: %v", err)
		}
		last = t
	}
	if last.Before(start) {
		return time.Time{}, time.Time{}, errors.New("--to is before --from")
	}

	end := last.AddDate(0, 0, 1).Add(-time.Millisecond)
	return start, end, nil
}
