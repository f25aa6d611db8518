package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"warpreceiver/constants"
	"warpreceiver/fileio"
	"warpreceiver/protocol"
	"warpreceiver/receiver"
	"warpreceiver/throttle"
	"warpreceiver/translog"
)

func main() {
	args := argparse.NewParser("receiver", "Bulk block-transfer receiver")

	root := args.String("r", "root", &argparse.Options{Required: true, Help: "Root path for storing received files"})
	port := args.Int("p", "port", &argparse.Options{Required: false, Help: "First listening port",
		Default: constants.DEFAULT_PORT})
	numPorts := args.Int("n", "numports", &argparse.Options{Required: false, Help: "Number of worker ports, starting at -p",
		Default: 1})
	bufferSize := args.Int("b", "buffersize", &argparse.Options{Required: false, Help: "Per-worker receive buffer size in bytes",
		Default: constants.DEFAULT_BUFFER_SIZE})
	dscp := args.Int("d", "dscp", &argparse.Options{Required: false, Help: "DSCP field for QoS",
		Default: constants.DEFAULT_DSCP})
	transferID := args.String("i", "id", &argparse.Options{Required: false, Help: "Transfer id the sender must announce (random if omitted)"})
	rateLimit := args.Int("l", "ratelimit", &argparse.Options{Required: false, Help: "Sustained receive rate limit in bytes/sec (0 disables)",
		Default: 0})
	resume := args.Flag("e", "resume", &argparse.Options{Help: "Enable download resumption via a transfer log"})
	translogPath := args.String("g", "translog", &argparse.Options{Required: false, Help: "Transfer log path (required with -e)"})
	skipWrites := args.Flag("s", "skipwrites", &argparse.Options{Help: "Discard block payloads instead of writing them (throughput testing)"})
	verbose := args.Flag("v", "verbose", &argparse.Options{Help: "Enable debug logging"})

	if err := args.Parse(os.Args); err != nil {
		fmt.Print(args.Usage(err))
		os.Exit(1)
	}

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	if *numPorts < 1 {
		logger.Fatal("numports must be at least 1")
	}

	id := *transferID
	if id == "" {
		id = uuid.NewString()
	}

	var transferLog translog.TransferLogManager = translog.NoopLogManager{}
	if *resume {
		if *translogPath == "" {
			logger.Fatal("-g/--translog is required when -e/--resume is set")
		}
		flm, err := translog.NewFileLogManager(*translogPath)
		if err != nil {
			logger.WithError(err).Fatal("failed to open transfer log")
		}
		defer flm.Close()
		transferLog = flm
	}

	opts := receiver.DefaultOptions()
	opts.BufferSize = int64(*bufferSize)
	opts.DSCP = *dscp
	opts.SkipWrites = *skipWrites
	opts.EnableDownloadResumption = *resume
	opts.IsLogBasedResumption = *resume

	fileCreator := &fileio.LocalFileCreator{
		RootDir:    *root,
		BufferSize: int(opts.BufferSize),
		SkipWrites: *skipWrites,
	}
	throttler := throttle.NewTokenBucket(int64(*rateLimit))

	parent := receiver.NewParent(id, opts.ProtocolVersion, logger)

	ports := make([]uint16, *numPorts)
	for i := range ports {
		ports[i] = uint16(*port + i)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("signal received, aborting")
		parent.Abort(protocol.Aborted)
	}()

	logger.WithFields(logrus.Fields{
		"transferId": id,
		"root":       *root,
		"ports":      fmt.Sprintf("%d-%d", ports[0], ports[len(ports)-1]),
	}).Info("receiver starting")

	stats, err := parent.Run(ctx, ports, opts, fileCreator, throttler, transferLog)
	cancel()

	total := int64(0)
	for i, s := range stats {
		logger.WithFields(logrus.Fields{
			"thread":     i,
			"port":       ports[i],
			"localError": s.LocalErrorCode,
			"numBlocks":  s.NumBlocks,
			"numFiles":   s.NumFiles,
			"dataBytes":  s.DataBytes,
		}).Info("worker finished")
		total += s.DataBytes
	}
	logger.WithField("totalBytes", total).Info("receiver finished")

	if err != nil {
		logger.WithError(err).Error("receiver ended with error")
		os.Exit(1)
	}
}
