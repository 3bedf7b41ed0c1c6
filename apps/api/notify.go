package main

import (
	"context"
	"fmt"
	"html"

	"github.com/KrushnaGardhe/injured-animal/libs/mailer"
)

func (a *App) buildNewReportEmail(report Report, dashboardURL string) mailer.Message {
	location := "no location"
	if report.Located() {
		location = formatCoordinate(report.Latitude) + ", " + formatCoordinate(report.Longitude)
	}
	if report.Address != nil {
		location = *report.Address
	}

	subject := fmt.Sprintf("New injured animal report #%d", report.ID)

	body := fmt.Sprintf(`
		<div style="font-family: sans-serif; max-width: 600px; margin: 0 auto; line-height: 1.6; color: #333;">
			<h2>A new injured animal was reported</h2>
			<p>%s</p>
			<p><strong>Location:</strong> %s</p>
			<p><img src="%s" alt="Report photo" style="max-width: 100%%;" /></p>
			<p style="margin: 30px 0;">
				<a href="%s" style="background-color: #2e7d32; color: white; padding: 12px 24px; text-decoration: none; border-radius: 4px; font-weight: bold; display: inline-block;">
					Open dashboard
				</a>
			</p>
		</div>
	`, html.EscapeString(report.Description), html.EscapeString(location), html.EscapeString(report.ImageURL), dashboardURL)

	text := fmt.Sprintf(
		"A new injured animal was reported (#%d).\n\n%s\n\nLocation: %s\nPhoto: %s\n\nOpen the dashboard: %s",
		report.ID, report.Description, location, report.ImageURL, dashboardURL,
	)

	return mailer.Message{
		Subject: subject,
		HTML:    body,
		Text:    text,
	}
}

func (a *App) buildPendingDigestEmail(pending int, dashboardURL string) mailer.Message {
	subject := fmt.Sprintf("%d injured animal reports awaiting review", pending)

	body := fmt.Sprintf(`
		<div style="font-family: sans-serif; max-width: 600px; margin: 0 auto; line-height: 1.6; color: #333;">
			<h2>Reports awaiting review</h2>
			<p>There are currently <strong>%d</strong> pending reports that no NGO has accepted or declined yet.</p>
			<p style="margin: 30px 0;">
				<a href="%s" style="background-color: #2e7d32; color: white; padding: 12px 24px; text-decoration: none; border-radius: 4px; font-weight: bold; display: inline-block;">
					Review reports
				</a>
			</p>
		</div>
	`, pending, dashboardURL)

	text := fmt.Sprintf(
		"There are currently %d pending reports awaiting review.\n\nReview them in the dashboard: %s",
		pending, dashboardURL,
	)

	return mailer.Message{
		Subject: subject,
		HTML:    body,
		Text:    text,
	}
}

// notifyNGOsOfReport mails every registered NGO about a new report, one
// message per address.
func (a *App) notifyNGOsOfReport(ctx context.Context, report Report) error {
	recipients, err := a.listNGOEmails(ctx)
	if err != nil {
		return fmt.Errorf("failed to list ngo recipients: %w", err)
	}
	if len(recipients) == 0 {
		return nil
	}

	msg := a.buildNewReportEmail(report, buildPublicURL(a.cfg.PublicBaseURL, ngoLoginPath))
	results, err := a.mailer.SendEach(ctx, recipients, func(string) mailer.Message { return msg })
	a.log.Info("sent new report emails", "id", report.ID, "sent", len(results), "recipients", len(recipients))
	return err
}

// sendPendingDigest mails the pending report count to every NGO. Nothing is
// sent when no report is pending.
func (a *App) sendPendingDigest(ctx context.Context) (int, error) {
	if a.mailer == nil {
		return 0, fmt.Errorf("mailer not configured")
	}
	pending, err := a.countPendingReports(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending reports: %w", err)
	}
	if pending == 0 {
		a.log.Info("skipping digest email (0 pending reports)")
		return 0, nil
	}

	recipients, err := a.listNGOEmails(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list ngo recipients: %w", err)
	}

	msg := a.buildPendingDigestEmail(pending, buildPublicURL(a.cfg.PublicBaseURL, ngoLoginPath))
	results, err := a.mailer.SendEach(ctx, recipients, func(string) mailer.Message { return msg })
	a.log.Info("sent digest emails", "pending", pending, "sent", len(results))
	return len(results), err
}
