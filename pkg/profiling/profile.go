package profiling

import (
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

// StartCPU begins writing a CPU profile to the given path and returns
// the function that stops profiling and flushes the file.
func StartCPU(path string) func() {
	logrus.WithField("path", path).Info("CPU profiling enabled")

	file, err := os.Create(path)
	if err != nil {
		logrus.WithError(err).Fatal("could not create CPU profile")
	}
	if err := pprof.StartCPUProfile(file); err != nil {
		logrus.WithError(err).Fatal("could not start CPU profile")
	}

	return func() {
		pprof.StopCPUProfile()
		if err := file.Close(); err != nil {
			logrus.WithError(err).Error("could not close CPU profile")
		}
	}
}

// CaptureMemory returns a function that snapshots the heap to the given
// path, meant to run right before shutdown.
func CaptureMemory(path string) func() {
	logrus.WithField("path", path).Info("memory profiling enabled")

	return func() {
		file, err := os.Create(path)
		if err != nil {
			logrus.WithError(err).Error("could not create memory profile")
			return
		}
		defer file.Close()

		runtime.GC()
		if err := pprof.WriteHeapProfile(file); err != nil {
			logrus.WithError(err).Error("could not write memory profile")
		}
	}
}
