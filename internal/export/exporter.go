// Package export produces the daily finance report: one CSV row per user per
// date, optionally delivered to the finance team's SFTP drop.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/platform-billing/usage-meter/pkg/models"
)

const (
	// DefaultConnectTimeout bounds SSH connection establishment
	DefaultConnectTimeout = 30 * time.Second
)

// UsageLister reads one day's aggregates
type UsageLister interface {
	ListByDate(ctx context.Context, date string) ([]*models.DailyUsageAggregate, error)
}

// Credentials holds SSH connection details for the finance drop
type Credentials struct {
	Host       string
	Port       int
	User       string
	PrivateKey []byte // PEM-encoded private key
	RemoteDir  string
}

// Validate checks that the credentials have all required fields
func (c *Credentials) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.User == "" {
		return fmt.Errorf("user cannot be empty")
	}
	if len(c.PrivateKey) == 0 {
		return fmt.Errorf("private key cannot be empty")
	}
	return nil
}

// Exporter writes and delivers daily usage reports
type Exporter struct {
	usage          UsageLister
	creds          Credentials
	connectTimeout time.Duration
	logger         *slog.Logger
}

// Option configures the exporter
type Option func(*Exporter)

// WithCredentials sets the SFTP delivery credentials
func WithCredentials(creds Credentials) Option {
	return func(e *Exporter) {
		e.creds = creds
	}
}

// WithConnectTimeout sets the connection timeout
func WithConnectTimeout(d time.Duration) Option {
	return func(e *Exporter) {
		e.connectTimeout = d
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Exporter) {
		e.logger = logger
	}
}

// New creates an exporter
func New(usage UsageLister, opts ...Option) *Exporter {
	e := &Exporter{
		usage:          usage,
		connectTimeout: DefaultConnectTimeout,
		logger:         slog.Default(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

var csvHeader = []string{
	"user_id", "date", "cpu_hours", "gpu_hours", "ram_gb_hours",
	"online_storage_gb", "offline_storage_gb", "total_credits", "total_cost", "reported",
}

// WriteCSV writes one date's report to w and returns the row count.
// Rows are ordered by user ID; an empty day produces a header-only file.
func (e *Exporter) WriteCSV(ctx context.Context, w io.Writer, date string) (int, error) {
	aggs, err := e.usage.ListByDate(ctx, date)
	if err != nil {
		return 0, fmt.Errorf("failed to list usage for %s: %w", date, err)
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return 0, fmt.Errorf("failed to write header: %w", err)
	}

	for _, agg := range aggs {
		record := []string{
			agg.UserID,
			agg.Date,
			formatFloat(agg.CPUHours),
			formatFloat(agg.GPUHours),
			formatFloat(agg.RAMGBHours),
			formatFloat(agg.OnlineStorageGB),
			formatFloat(agg.OfflineStorageGB),
			formatFloat(agg.TotalCredits),
			formatFloat(agg.TotalCost),
			strconv.FormatBool(agg.Reported),
		}
		if err := writer.Write(record); err != nil {
			return 0, fmt.Errorf("failed to write row for %s: %w", agg.UserID, err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return 0, fmt.Errorf("failed to flush report: %w", err)
	}
	return len(aggs), nil
}

// Upload builds one date's report and delivers it to the SFTP drop. The
// remote file is named usage-<date>.csv under the configured directory.
func (e *Exporter) Upload(ctx context.Context, date string) (string, error) {
	var buf bytes.Buffer
	rows, err := e.WriteCSV(ctx, &buf, date)
	if err != nil {
		return "", err
	}

	client, err := e.connect(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to connect: %w", err)
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return "", fmt.Errorf("failed to create sftp client: %w", err)
	}
	defer sftpClient.Close()

	remotePath := path.Join(e.creds.RemoteDir, fmt.Sprintf("usage-%s.csv", date))
	if dir := path.Dir(remotePath); dir != "" && dir != "." && dir != "/" {
		// Parent directories might already exist
		_ = sftpClient.MkdirAll(dir)
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return "", fmt.Errorf("failed to create remote file: %w", err)
	}
	defer remoteFile.Close()

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(remoteFile, &buf)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("failed to copy report: %w", err)
		}
	case <-ctx.Done():
		return "", fmt.Errorf("upload cancelled: %w", ctx.Err())
	}

	e.logger.InfoContext(ctx, "finance report delivered",
		slog.String("remote_path", remotePath),
		slog.Int("rows", rows))
	return remotePath, nil
}

// connect establishes the SSH connection to the finance drop
func (e *Exporter) connect(ctx context.Context) (*ssh.Client, error) {
	if err := e.creds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(e.creds.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	config := &ssh.ClientConfig{
		User: e.creds.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // Drop host rotates behind a load balancer
		Timeout:         e.connectTimeout,
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	addr := fmt.Sprintf("%s:%d", e.creds.Host, e.creds.Port)
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return client, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
