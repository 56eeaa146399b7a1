package activitypub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deemkeen/followbridge/metrics"
	"github.com/deemkeen/followbridge/util"
	"go.uber.org/zap"
)

// NewHTTPClient returns the client used for every outbound federation call.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// Delivery posts activities to remote inboxes. It never retries.
type Delivery struct {
	client *http.Client
	log    *zap.SugaredLogger
}

func NewDelivery(client *http.Client, log *zap.SugaredLogger) *Delivery {
	return &Delivery{client: client, log: log}
}

// Deliver POSTs activity to inbox signed by signer. Any transport error or
// non-2xx status is returned as an error.
func (d *Delivery) Deliver(ctx context.Context, activity Document, inbox string, signer *Signer) error {
	activityType := activity.String("type")
	start := time.Now()
	err := d.deliver(ctx, activity, inbox, signer)
	metrics.DeliveryDuration.WithLabelValues(activityType).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.Deliveries.WithLabelValues(activityType, "failed").Inc()
		d.log.Warnf("Delivery: %s %s to %s failed: %v", activityType, activity.Id(), inbox, err)
		return err
	}
	metrics.Deliveries.WithLabelValues(activityType, "ok").Inc()
	d.log.Infof("Delivery: sent %s %s to %s", activityType, activity.Id(), inbox)
	return nil
}

func (d *Delivery) deliver(ctx context.Context, activity Document, inbox string, signer *Signer) error {
	activityJSON, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(activityJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", util.UserAgent())

	if err := signer.Sign(req, activityJSON); err != nil {
		return err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("remote server returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	io.Copy(io.Discard, resp.Body)

	return nil
}
