package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tinyrange/iem/internal/timeslice"
)

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	filename := fs.String("filename", "", "Timeslice file to read")
	sums := fs.Bool("sums", false, "Print totals per phase instead of every record")
	perCPU := fs.Bool("per-cpu", false, "Split totals by vcpu (with -sums)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *filename == "" {
		fs.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*filename)
	if err != nil {
		return fmt.Errorf("open timeslice file: %w", err)
	}
	defer f.Close()

	if *sums {
		totals, err := timeslice.Summarize(f, *perCPU)
		if err != nil {
			return fmt.Errorf("read timeslice file: %w", err)
		}
		for _, t := range totals {
			fmt.Println(t.String())
		}
		return nil
	}

	return timeslice.ReadAllRecords(f, func(s timeslice.Sample) error {
		_, err := fmt.Printf("%s cpu=%d %s %s\n", s.Kind, s.CPU, s.Flags, s.Duration)
		return err
	})
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "timeslice: %v\n", err)
		os.Exit(1)
	}
}
