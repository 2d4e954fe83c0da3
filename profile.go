package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

const (
	memProfileRate = 4096
	timeFormat     = "20060102_150405"
)

// profile is one named profile: start enables it writing to f and returns
// the function that finishes it.
type profile struct {
	kind  string
	start func(f *os.File) (stop func(), err error)
}

func lookupProfile(kind string, enable, disable func()) profile {
	return profile{kind: kind, start: func(f *os.File) (func(), error) {
		if enable != nil {
			enable()
		}
		return func() {
			if p := pprof.Lookup(kind); p != nil {
				_ = p.WriteTo(f, 0)
			}
			if disable != nil {
				disable()
			}
		}, nil
	}}
}

func profiles() []profile {
	oldRate := runtime.MemProfileRate
	return []profile{
		{kind: "cpu", start: func(f *os.File) (func(), error) {
			if err := pprof.StartCPUProfile(f); err != nil {
				return nil, err
			}
			return pprof.StopCPUProfile, nil
		}},
		{kind: "trace", start: func(f *os.File) (func(), error) {
			if err := trace.Start(f); err != nil {
				return nil, err
			}
			return trace.Stop, nil
		}},
		lookupProfile("heap",
			func() { runtime.MemProfileRate = memProfileRate },
			func() { runtime.MemProfileRate = oldRate }),
		lookupProfile("mutex",
			func() { runtime.SetMutexProfileFraction(1) },
			func() { runtime.SetMutexProfileFraction(0) }),
		lookupProfile("block",
			func() { runtime.SetBlockProfileRate(1) },
			func() { runtime.SetBlockProfileRate(0) }),
		lookupProfile("threadcreate", nil, nil),
	}
}

// Profiler is a running set of profiles toggled by SIGUSR2.
type Profiler struct {
	dataDir string
	closers []func()
	stopped uint32
}

// StartProfiler starts every profile it can, logging the ones it cannot.
// Call Stop to flush them.
func StartProfiler(dataDir string) *Profiler {
	p := &Profiler{dataDir: dataDir}
	for _, prof := range profiles() {
		fn := dumpFile(dataDir, prof.kind, "pprof")
		f, err := os.Create(fn)
		if err != nil {
			glog.Errorf("pprof: could not create %s profile %q: %v", prof.kind, fn, err)
			continue
		}
		stop, err := prof.start(f)
		if err != nil {
			glog.Errorf("pprof: could not start %s profile: %v", prof.kind, err)
			f.Close()
			continue
		}
		kind := prof.kind
		glog.Infof("pprof: %s profiling enabled, %s", kind, fn)
		p.closers = append(p.closers, func() {
			stop()
			f.Close()
			glog.Infof("pprof: %s profiling disabled, %s", kind, fn)
		})
	}
	return p
}

func (p *Profiler) Stop() {
	if !atomic.CompareAndSwapUint32(&p.stopped, 0, 1) {
		return
	}
	for _, closer := range p.closers {
		closer()
	}
}

func dumpFile(dir, kind, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s.%s", kind, time.Now().Format(timeFormat), ext))
}

func dumpGoroutines(dir string) {
	fn := dumpFile(dir, "goroutines", "dump")
	glog.Infof("dumping goroutine profile to %s", fn)
	f, err := os.Create(fn)
	if err != nil {
		glog.Errorf("dump goroutines: %v", err)
		return
	}
	defer f.Close()
	if err := pprof.Lookup("goroutine").WriteTo(f, 2); err != nil {
		glog.Errorf("dump goroutines to %s: %v", fn, err)
	}
}
