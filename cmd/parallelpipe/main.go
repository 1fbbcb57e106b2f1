package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/xerrors"

	"github.com/flowline/parallelpipe/pipeline"
)

func main() {
	app := cli.NewApp()
	app.Name = "parallelpipe"
	app.Usage = "run a small demo pipeline over stdin lines"
	app.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "workers",
			Value: 4,
			Usage: "number of parallel workers for the uppercase stage",
		},
		cli.IntFlag{
			Name:  "qsize",
			Value: 16,
			Usage: "output queue capacity of the uppercase stage (0 = unbounded)",
		},
		cli.StringFlag{
			Name:  "metrics-addr",
			Usage: "address to serve Prometheus /metrics on, e.g. :9090 (disabled if empty)",
		},
		cli.BoolFlag{
			Name:  "verbose",
			Usage: "enable debug-level logging",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if c.Bool("verbose") {
		logger.SetLevel(logrus.DebugLevel)
	}

	var recorder pipeline.MetricsRecorder = pipeline.NopRecorder{}
	if addr := c.String("metrics-addr"); addr != "" {
		promRecorder := pipeline.NewPrometheusRecorder("parallelpipe")
		recorder = promRecorder

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.WithError(err).Error("metrics server stopped")
			}
		}()
		logger.WithField("addr", addr).Info("serving Prometheus metrics")
	}

	lines, err := readLines(os.Stdin)
	if err != nil {
		return xerrors.Errorf("reading stdin: %w", err)
	}

	items := make([]any, len(lines))
	for i, l := range lines {
		items[i] = l
	}

	source, err := pipeline.ProducerStageDecorator(pipeline.SliceProducer(items), 1, 0)("lines")
	if err != nil {
		return xerrors.Errorf("building source stage: %w", err)
	}

	upper := func(_ context.Context, item any, _ ...any) (any, error) {
		return strings.ToUpper(item.(string)), nil
	}
	upperStage, err := pipeline.MapStageDecorator(upper, c.Int("workers"), c.Int("qsize"))("uppercase")
	if err != nil {
		return xerrors.Errorf("building uppercase stage: %w", err)
	}

	p, err := pipeline.New(source, upperStage)
	if err != nil {
		return xerrors.Errorf("assembling pipeline: %w", err)
	}
	p = p.WithLogger(logger).WithMetrics(recorder)

	fmt.Fprintln(os.Stderr, p.Describe())

	rs, err := p.Results(context.Background())
	if err != nil {
		return xerrors.Errorf("starting pipeline: %w", err)
	}

	for {
		item, ok, err := rs.Next()
		if err != nil {
			return xerrors.Errorf("pipeline run %s: %w", p.RunID, err)
		}
		if !ok {
			break
		}
		fmt.Println(item)
	}

	return nil
}

func readLines(f *os.File) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}
