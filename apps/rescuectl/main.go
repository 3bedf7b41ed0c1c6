// rescuectl drives the injured-animal API from a terminal: "report" files a
// report from a photo, "review" lets an NGO list, decide and export reports.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/KrushnaGardhe/injured-animal/libs/capture"
	"github.com/KrushnaGardhe/injured-animal/libs/geo"
	"github.com/KrushnaGardhe/injured-animal/libs/reportform"
	"github.com/KrushnaGardhe/injured-animal/libs/rescueclient"
	"github.com/KrushnaGardhe/injured-animal/libs/review"
	"github.com/joho/godotenv"
)

const defaultAPIURL = "http://localhost:8080"

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	if os.Getenv("RESCUE_DEBUG") != "" {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch os.Args[1] {
	case "report":
		err = runReport(ctx, os.Args[2:], os.Stdout, logger)
	case "review":
		err = runReview(ctx, os.Args[2:], os.Stdout, logger)
	default:
		usage()
		os.Exit(2)
	}
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: rescuectl report|review [flags]")
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

// parseCoordinate reads "lat,lng".
func parseCoordinate(raw string) (geo.Coordinate, error) {
	latRaw, lngRaw, found := strings.Cut(raw, ",")
	if !found {
		return geo.Coordinate{}, fmt.Errorf("location must be lat,lng")
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latRaw), 64)
	if err != nil {
		return geo.Coordinate{}, fmt.Errorf("invalid latitude: %w", err)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(lngRaw), 64)
	if err != nil {
		return geo.Coordinate{}, fmt.Errorf("invalid longitude: %w", err)
	}
	return geo.Coordinate{Lat: lat, Lng: lng}, nil
}

func runReport(ctx context.Context, args []string, out io.Writer, logger *slog.Logger) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	apiURL := fs.String("api", envOr("RESCUE_API_URL", defaultAPIURL), "API base URL")
	photoPath := fs.String("photo", "", "JPEG or PNG used as the camera feed")
	description := fs.String("description", "", "what happened to the animal")
	at := fs.String("at", "", "location as lat,lng")
	front := fs.Bool("front", false, "use the front camera")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *photoPath == "" || *at == "" {
		return fmt.Errorf("-photo and -at are required")
	}
	position, err := parseCoordinate(*at)
	if err != nil {
		return err
	}

	device, err := capture.LoadImageDevice(*photoPath)
	if err != nil {
		return err
	}
	camera := capture.NewSession(device, nil, logger)
	defer camera.Close()

	facing := capture.FacingEnvironment
	if *front {
		facing = capture.FacingUser
	}
	if err := camera.Start(ctx, facing); err != nil {
		return err
	}
	photo, err := camera.Capture()
	if err != nil {
		return err
	}

	client := rescueclient.New(*apiURL, nil, logger)
	form := reportform.New(client, client, logger)
	form.SetDescription(*description)
	form.SetImage(reportform.Image{Bytes: photo.Bytes, MimeType: photo.MimeType})
	viewport := geo.NewViewport()
	viewport.Follow(form.Location())
	if _, err := form.Location().Locate(ctx, geo.FixedLocator{Position: position}); err != nil {
		return fmt.Errorf("locate: %w", err)
	}

	created, err := form.Submit(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Report %d submitted (%s)\n", created.ID, created.Status)
	if tile, err := viewport.TileURL(); err == nil {
		fmt.Fprintf(out, "Map: %s\n", tile)
	}
	return nil
}

func runReview(ctx context.Context, args []string, out io.Writer, logger *slog.Logger) error {
	fs := flag.NewFlagSet("review", flag.ContinueOnError)
	apiURL := fs.String("api", envOr("RESCUE_API_URL", defaultAPIURL), "API base URL")
	email := fs.String("email", os.Getenv("RESCUE_NGO_EMAIL"), "NGO account email")
	password := fs.String("password", os.Getenv("RESCUE_NGO_PASSWORD"), "NGO account password")
	accept := fs.Int64("accept", 0, "accept the pending report with this id")
	decline := fs.Int64("decline", 0, "decline the pending report with this id")
	export := fs.String("export", "", "download an export instead: csv, geojson or pdf")
	output := fs.String("o", "", "write the export to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" || *password == "" {
		return fmt.Errorf("-email and -password are required")
	}
	if *accept > 0 && *decline > 0 {
		return fmt.Errorf("use either -accept or -decline")
	}

	client := rescueclient.New(*apiURL, nil, logger)
	session, profile, err := client.Login(ctx, *email, *password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer func() {
		if err := client.Logout(context.WithoutCancel(ctx), session); err != nil {
			logger.Warn("logout failed", "err", err)
		}
	}()

	if *export != "" {
		data, _, err := client.Export(ctx, session, *export)
		if err != nil {
			return err
		}
		if *output == "" {
			_, err = out.Write(data)
			return err
		}
		if err := os.WriteFile(*output, data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(out, "Wrote %d bytes to %s\n", len(data), *output)
		return nil
	}

	dashboard := review.NewDashboard(client, session, logger)
	if err := dashboard.Load(ctx); err != nil {
		return err
	}

	switch {
	case *accept > 0:
		err = dashboard.SetStatus(ctx, *accept, review.StatusAccepted)
	case *decline > 0:
		err = dashboard.SetStatus(ctx, *decline, review.StatusDeclined)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s (%s)\n", profile.Organization, profile.Email)
	printReports(out, dashboard.Items())
	return nil
}

func printReports(out io.Writer, reports []review.Report) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tSTATUS\tLOCATION\tDESCRIPTION")
	for _, r := range reports {
		location := "-"
		if r.Located() {
			location = geo.Coordinate{Lat: *r.Latitude, Lng: *r.Longitude}.String()
		}
		if r.Address != "" {
			location = r.Address
		}
		status := r.Status
		if review.Actionable(r) {
			status += " *"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", r.ID, r.CreatedAt.Format("2006-01-02 15:04"), status, location, r.Description)
	}
	_ = w.Flush()
}
