// Command cpureport prints the CPU identification of the host or of a CPU
// database profile, as the emulator sees it.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/tinyrange/iem/internal/cpum"
	"github.com/tinyrange/iem/internal/cpum/cpuid"
	"github.com/tinyrange/iem/internal/hv"
	"github.com/tinyrange/iem/internal/term"
)

func source(profile, load string) (cpuid.Prober, string, error) {
	switch {
	case profile != "":
		e, err := cpuid.LookupProfile(profile)
		if err != nil {
			return nil, "", err
		}
		return cpuid.DBProber{Entry: e}, "profile " + e.Name, nil
	case load != "":
		f, err := os.Open(load)
		if err != nil {
			return nil, "", err
		}
		defer f.Close()
		raw, err := cpuid.DecodeRaw(f)
		if err != nil {
			return nil, "", fmt.Errorf("decode %s: %w", load, err)
		}
		return cpuid.StaticProber{Raw: raw}, load, nil
	}
	return cpuid.HostProber(), "host " + banner(), nil
}

func listProfiles(out *term.Output) error {
	db, err := cpuid.Database()
	if err != nil {
		return err
	}
	rows := [][]string{{out.Styled(term.Bold, "profile"), out.Styled(term.Bold, "arch"), out.Styled(term.Bold, "description")}}
	for _, name := range db.Names() {
		e, err := db.Lookup(name)
		if err != nil {
			return err
		}
		rows = append(rows, []string{name, string(e.Arch), e.Description})
	}
	return term.Table(out, rows)
}

func report(out *term.Output, title string, raw cpuid.RawIdentification, verbose bool) error {
	f := cpuid.ExplodeFeatures(raw)
	id := f.Model
	if f.Arch == hv.ArchitectureX86_64 {
		id = cpuid.X86FamilyModel(f.Family, f.Model)
	}
	march := "unknown"
	if _, name, err := cpuid.LookupMicroarchitecture(f.Vendor, id); err == nil {
		march = name
	} else if errors.Is(err, cpuid.ErrUnsupportedCPU) {
		march = err.Error()
	}

	if err := out.Printf(term.Bold, "%s\n", title); err != nil {
		return err
	}
	rows := [][]string{
		{"arch", string(f.Arch)},
		{"vendor", f.Vendor.String()},
		{"name", f.Name},
		{"microarch", march},
		{"family/model/stepping", fmt.Sprintf("%#x/%#x/%#x", f.Family, f.Model, f.Stepping)},
		{"address widths", fmt.Sprintf("phys %d, linear %d", f.PhysAddrWidth, f.LinearAddrWidth)},
		{"max xstate", fmt.Sprintf("%d bytes (xcr0 %#x)", f.MaxXStateSize, f.ValidXCR0)},
		{"registers", fmt.Sprintf("%d", raw.Len())},
	}
	if err := term.Table(out, rows); err != nil {
		return err
	}

	check := out.Styled(term.Bold, "ok")
	if err := cpum.CheckHostRequirements(&f); err != nil {
		check = out.Styled(term.Error, err.Error())
	}
	if _, err := fmt.Fprintf(out, "engine requirements: %s\nfeatures: %s\n\n", check, f.Set); err != nil {
		return err
	}
	return cpuid.Dump(out, raw, verbose)
}

func run(out *term.Output) error {
	fs := flag.NewFlagSet("cpureport", flag.ExitOnError)

	profile := fs.String("profile", "", "report a CPU database profile instead of the host")
	load := fs.String("load", "", "report identification saved with -save")
	save := fs.String("save", "", "write the raw identification to this file")
	list := fs.Bool("list", false, "list the CPU database profiles")
	verbose := fs.Bool("v", false, "annotate known leaves and registers")
	capacity := fs.Int("capacity", cpuid.DefaultCapacity, "maximum number of identification registers")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *list {
		return listProfiles(out)
	}

	p, title, err := source(*profile, *load)
	if err != nil {
		return err
	}
	raw, err := cpuid.CollectRawIdentification(p, *capacity)
	if err != nil {
		return err
	}

	if *save != "" {
		f, err := os.Create(*save)
		if err != nil {
			return err
		}
		if err := cpuid.EncodeRaw(f, raw); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return report(out, strings.TrimSpace(title), raw, *verbose)
}

func main() {
	out := term.NewOutput(os.Stdout)
	err := run(out)
	out.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cpureport: %v\n", err)
		os.Exit(1)
	}
}
