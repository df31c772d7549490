package cmd

import (
	"fmt"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/leftmike/logstore/device"
	"github.com/leftmike/logstore/flags"
)

var (
	backend     = "file"
	dataDir     = "testdata"
	deviceSize  = int64(device.DefaultTestConfig.Size)
	segmentSize = device.DefaultTestConfig.SegmentSize
	blockSize   = device.DefaultTestConfig.BlockSize
)

func initDeviceFlags(fs *pflag.FlagSet) {
	fs.StringVar(&backend, "backend", backend,
		"device backend: memory, file, bbolt, badger, or pebble")
	cfgVars["backend"] = fs.Lookup("backend")

	fs.StringVar(&dataDir, "data", dataDir, "`directory` containing the device")
	cfgVars["data"] = fs.Lookup("data")

	fs.Int64Var(&deviceSize, "size", deviceSize, "device size in bytes")
	cfgVars["size"] = fs.Lookup("size")

	fs.IntVar(&segmentSize, "segment-size", segmentSize, "segment size in bytes")
	cfgVars["segment-size"] = fs.Lookup("segment-size")

	fs.IntVar(&blockSize, "block-size", blockSize, "block size in bytes")
	cfgVars["block-size"] = fs.Lookup("block-size")
}

func makeDevice() (device.Device, error) {
	cfg := device.Config{
		Size:        deviceSize,
		SegmentSize: segmentSize,
		BlockSize:   blockSize,
	}

	switch backend {
	case "memory":
		return device.MakeMemoryDevice(cfg)
	case "file":
		return device.MakeFileDevice(filepath.Join(dataDir, "logstore.dev"), cfg,
			flgs.GetFlag(flags.DirectIO))
	case "bbolt":
		return device.MakeBBoltDevice(filepath.Join(dataDir, "logstore.bbolt"), cfg)
	case "badger":
		return device.MakeBadgerDevice(filepath.Join(dataDir, "badger"), cfg,
			log.StandardLogger())
	case "pebble":
		return device.MakePebbleDevice(filepath.Join(dataDir, "pebble"), cfg,
			log.StandardLogger())
	}
	return nil, fmt.Errorf("logstore: unknown device backend: %s", backend)
}
