package kfmt

import (
	"bytes"
	"errors"
	"gophervm/kernel"
	"gophervm/kernel/cpu"
	"testing"
)

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
		SetOutputSink(nil)
	}()

	var (
		buf            bytes.Buffer
		cpuHaltCalled  bool
		bannerTemplate = "\n-----------------------------------\n%s*** kernel panic: system halted ***\n-----------------------------------\n"
	)
	cpuHaltFn = func() {
		cpuHaltCalled = true
	}
	SetOutputSink(&buf)

	specs := []struct {
		desc   string
		input  interface{}
		expErr string
	}{
		{"with *kernel.Error", &kernel.Error{Module: "test", Message: "panic test"}, "[test] unrecoverable error: panic test\n"},
		{"with error", errors.New("go error"), "[rt] unrecoverable error: go error\n"},
		{"with string", "string error", "[rt] unrecoverable error: string error\n"},
		{"without error", nil, ""},
	}

	for _, spec := range specs {
		t.Run(spec.desc, func(t *testing.T) {
			buf.Reset()
			cpuHaltCalled = false

			Panic(spec.input)

			exp := fmtBanner(bannerTemplate, spec.expErr)
			if got := buf.String(); got != exp {
				t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
			}

			if !cpuHaltCalled {
				t.Fatal("expected cpu.Halt() to be called by Panic")
			}
		})
	}
}

func fmtBanner(template, errLine string) string {
	var buf bytes.Buffer
	Fprintf(&buf, template, errLine)
	return buf.String()
}
