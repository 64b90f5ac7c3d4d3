package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"s7link/api"
	"s7link/config"
	"s7link/retry"
	"s7link/s7"
)

type areaOptions struct {
	address  string
	typeHint string
	area     string
	db       int
	start    int
	size     int
	bit      int
}

func addAreaFlags(fs *flag.FlagSet) *areaOptions {
	opts := &areaOptions{}
	fs.StringVar(&opts.address, "address", "", "S7 address, e.g. DB1.DBW0 or Q0.3 (overrides area/db/start)")
	fs.StringVar(&opts.typeHint, "type", "", "Data type for --address (INT, DINT, REAL, BOOL, ...)")
	fs.StringVar(&opts.area, "area", "DB", "Memory area: DB|PE|PA|MK")
	fs.IntVar(&opts.db, "db", 1, "DB number (used when area=DB)")
	fs.IntVar(&opts.start, "start", 0, "Start offset (byte)")
	fs.IntVar(&opts.size, "size", 4, "Number of bytes to read")
	fs.IntVar(&opts.bit, "bit", -1, "Single bit 0-7 of the byte at --start (overrides size/format)")
	return opts
}

func (o *areaOptions) parseArea() (s7.Area, int, error) {
	area, err := s7.ParseArea(o.area)
	if err != nil {
		return 0, 0, err
	}
	db := 0
	if area == s7.AreaDB {
		db = o.db
	}
	return area, db, nil
}

// withClient opens a client from the config, runs fn under the retry
// policy and closes the client.
func withClient(cfg *config.Config, fn func(c *s7.Client) error) error {
	client, err := cfg.PLC.NewClient()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return retry.Do(ctx, cfg.Retry.Policy(), func() error { return fn(client) })
}

// runRead prints an address value, or a byte range in --format. With
// --interval it keeps polling.
func runRead(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("read", flag.ContinueOnError)
	area := addAreaFlags(fs)
	format := fs.String("format", "hex", "Output format for byte ranges: hex|int16|uint16|int32|uint32|float32")
	interval := fs.Duration("interval", 0, "Poll interval, e.g. 500ms (0 = read once)")
	count := fs.Int("count", 0, "Number of polls with --interval (0 = until interrupted)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := formatType(*format); err != nil && area.address == "" && area.bit < 0 {
		return err
	}

	client, err := cfg.PLC.NewClient()
	if err != nil {
		return err
	}
	defer client.Close()
	policy := cfg.Retry.Policy()

	readOnce := func() (string, error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		var out string
		err := retry.Do(ctx, policy, func() error {
			if area.address != "" {
				v, err := client.ReadTag(area.address, area.typeHint)
				if err != nil {
					return err
				}
				data, err := json.Marshal(v.GoValue())
				if err != nil {
					return err
				}
				out = string(data)
				return nil
			}
			a, db, err := area.parseArea()
			if err != nil {
				return err
			}
			if area.bit >= 0 {
				v, err := client.ReadBit(a, db, area.start, area.bit)
				if err != nil {
					return err
				}
				out = strconv.FormatBool(v)
				return nil
			}
			data, err := client.ReadArea(a, db, area.start, area.size)
			if err != nil {
				return err
			}
			out, err = formatData(data, *format, client.WordOrder())
			return err
		})
		return out, err
	}

	if *interval <= 0 {
		out, err := readOnce()
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	}

	for i := 0; *count == 0 || i < *count; i++ {
		if i > 0 {
			time.Sleep(*interval)
		}
		out, err := readOnce()
		if err != nil {
			return err
		}
		fmt.Printf("[%s] %s\n", time.Now().Format(time.RFC3339), out)
	}
	return nil
}

// runWrite writes --values to an address, a single bit or a byte range.
func runWrite(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("write", flag.ContinueOnError)
	area := addAreaFlags(fs)
	format := fs.String("format", "hex", "Input format for byte ranges: hex|int16|uint16|int32|uint32|float32")
	rawValues := fs.String("values", "", "Data to write. Hex pairs (e.g. 01ff) or comma-separated numbers; a single value for --address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *rawValues == "" {
		return errors.New("--values is required")
	}

	if area.address != "" {
		var value interface{} = strings.TrimSpace(*rawValues)
		if parts := splitValues(*rawValues); len(parts) > 1 {
			elems := make([]interface{}, len(parts))
			for i, p := range parts {
				elems[i] = p
			}
			value = elems
		}
		return withClient(cfg, func(c *s7.Client) error {
			return c.WriteTag(area.address, area.typeHint, value)
		})
	}

	a, db, err := area.parseArea()
	if err != nil {
		return err
	}
	if area.bit >= 0 {
		v, err := strconv.ParseBool(strings.TrimSpace(*rawValues))
		if err != nil {
			return fmt.Errorf("--bit needs a boolean value: %w", err)
		}
		return withClient(cfg, func(c *s7.Client) error {
			return c.WriteBit(a, db, area.start, area.bit, v)
		})
	}
	order, err := s7.ParseWordOrder(cfg.PLC.WordOrder)
	if err != nil {
		return err
	}
	payload, err := parseWriteData(*format, *rawValues, order)
	if err != nil {
		return err
	}
	return withClient(cfg, func(c *s7.Client) error {
		return c.WriteArea(a, db, area.start, payload)
	})
}

// runDiscover scans one CIDR or a list of IPs for S7 PLCs.
func runDiscover(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	timeout := fs.Duration("timeout", 500*time.Millisecond, "Per-device connect timeout")
	concurrency := fs.Int("concurrency", 20, "Parallel probes")
	port := fs.Int("port", 102, "S7 TCP port")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("usage: s7link discover <cidr | ip...>")
	}

	var devices []s7.DiscoveredDevice
	if fs.NArg() == 1 && strings.Contains(fs.Arg(0), "/") && *port == 102 {
		found, err := s7.DiscoverSubnet(fs.Arg(0), *timeout, *concurrency)
		if err != nil {
			return err
		}
		devices = found
	} else {
		var ips []net.IP
		for _, arg := range fs.Args() {
			ip := net.ParseIP(arg)
			if ip == nil {
				return fmt.Errorf("invalid IP %q (a CIDR is only accepted alone on the default port)", arg)
			}
			ips = append(ips, ip)
		}
		devices = s7.DiscoverPort(ips, *port, *timeout, *concurrency)
	}

	if len(devices) == 0 {
		fmt.Println("No S7 PLCs found")
		return nil
	}
	for _, d := range devices {
		fmt.Printf("%-15s port %d rack %d slot %d pdu %d\n", d.IP, d.Port, d.Rack, d.Slot, d.PDUSize)
	}
	return nil
}

// runHashPassword prints a bcrypt hash. With --user the hash is stored as
// that web user in the config file.
func runHashPassword(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("hash-password", flag.ContinueOnError)
	user := fs.String("user", "", "Create or update this web user in the config file")
	role := fs.String("role", config.RoleAdmin, "Role for --user: admin|viewer")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: s7link hash-password [--user name --role admin|viewer] <password>")
	}
	if *role != config.RoleAdmin && *role != config.RoleViewer {
		return fmt.Errorf("invalid role %q", *role)
	}

	hash, err := api.HashPassword(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	if *user == "" {
		fmt.Println(hash)
		return nil
	}

	cfg.Lock()
	if existing := cfg.FindWebUser(*user); existing != nil {
		existing.PasswordHash = hash
		existing.Role = *role
	} else {
		cfg.AddWebUser(config.WebUser{Username: *user, PasswordHash: hash, Role: *role})
	}
	if err := cfg.UnlockAndSave(*configPath); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	fmt.Printf("Web user '%s' (%s) saved to %s\n", *user, *role, *configPath)
	return nil
}

// runWatch lists, adds or removes polled addresses in the config file.
func runWatch(cfg *config.Config, args []string) error {
	usage := errors.New("usage: s7link watch list | add <name> <address> [type] | rm <name>")
	if len(args) == 0 {
		return usage
	}

	switch args[0] {
	case "list":
		if len(cfg.Poll.Watches) == 0 {
			fmt.Println("No watches configured")
		}
		for _, w := range cfg.Poll.Watches {
			fmt.Fprintf(os.Stdout, "%-20s %-16s %s\n", w.Name, w.Address, w.Type)
		}
		return nil

	case "add":
		if len(args) < 3 || len(args) > 4 {
			return usage
		}
		w := config.WatchConfig{Name: args[1], Address: args[2]}
		if len(args) == 4 {
			w.Type = args[3]
		}
		cfg.Lock()
		if cfg.FindWatch(w.Name) != nil {
			cfg.Unlock()
			return fmt.Errorf("watch %q already exists", w.Name)
		}
		cfg.AddWatch(w)
		if err := cfg.Validate(); err != nil {
			cfg.RemoveWatch(w.Name)
			cfg.Unlock()
			return err
		}
		if err := cfg.UnlockAndSave(*configPath); err != nil {
			return err
		}
		fmt.Printf("Watch '%s' added\n", w.Name)
		return nil

	case "rm", "remove":
		if len(args) != 2 {
			return usage
		}
		cfg.Lock()
		if !cfg.RemoveWatch(args[1]) {
			cfg.Unlock()
			return fmt.Errorf("watch %q not found", args[1])
		}
		if err := cfg.UnlockAndSave(*configPath); err != nil {
			return err
		}
		fmt.Printf("Watch '%s' removed\n", args[1])
		return nil

	default:
		return usage
	}
}
