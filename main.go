package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"rircc/resolver"
)

func main() {
	logrus.SetLevel(logrus.InfoLevel)
	if err := godotenv.Load(); err != nil {
		logrus.Debug("no .env file found, using process environment")
	}

	if len(os.Args) < 2 {
		usageExit()
	}

	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "serve":
		err = serveCmd(args)
	case "lookup":
		err = lookupCmd(args)
	case "annotate":
		err = annotateCmd(args)
	case "convert":
		err = convertCmd(args)
	case "cidr":
		err = cidrCmd(args)
	case "load":
		err = loadCmd(args)
	case "update":
		err = updateCmd(args)
	default:
		usageExit()
	}
	if err != nil {
		logrus.Fatal(err)
	}
}

func usageExit() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  rircc serve    -config ./config.yaml")
	fmt.Fprintln(os.Stderr, "  rircc lookup   -config ./config.yaml 1.2.3.4 [...]")
	fmt.Fprintln(os.Stderr, "  rircc annotate -config ./config.yaml -csv-file ./ssh_auth_error.csv")
	fmt.Fprintln(os.Stderr, "  rircc convert  -csv-file ./rir_ipv4_allocated.csv [-output-dir ./out] [-page-size 5000]")
	fmt.Fprintln(os.Stderr, "  rircc cidr     -csv-file ./rir_ipv4_allocated_cidr.csv 1.2.3.4 [...]")
	fmt.Fprintln(os.Stderr, "  rircc load     -config ./config.yaml -csv-file ./rir_ipv4_allocated.csv")
	fmt.Fprintln(os.Stderr, "  rircc update   -config ./config.yaml [-fetch-limit 100] [-save-match-network] [-no-output-sql]")
	os.Exit(2)
}

func loadConfig(path string, debug bool) (*Config, error) {
	conf, err := ParseConfig(path)
	if err != nil {
		return nil, err
	}
	logrus.SetLevel(logrus.Level(conf.LogLevel))
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	return conf, nil
}

// buildFetcher returns the configured range backing and a release func.
func buildFetcher(conf *Config) (resolver.RangeFetcher, func(), error) {
	switch conf.Source.Kind {
	case SourceSQL:
		f, err := OpenSQLRangeFetcher(conf)
		if err != nil {
			return nil, nil, err
		}
		return f, func() { f.Close() }, nil
	default:
		t := NewRangeTable(conf, BuildRangeDataSource(conf))
		return t, func() {}, nil
	}
}

func serveCmd(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "./config.yaml", "config file")
	pprofAddr := fs.String("pprof", "", "pprof listen address, disabled when empty")
	_ = fs.Parse(args)

	conf, err := loadConfig(*configPath, false)
	if err != nil {
		return err
	}

	if *pprofAddr != "" {
		go func() {
			logrus.Error(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	fetcher, release, err := buildFetcher(conf)
	if err != nil {
		return err
	}
	defer release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if table, ok := fetcher.(*RangeTable); ok {
		go table.RunUpdates(ctx)
	}

	server := NewServer(conf, resolver.New(fetcher, conf.resolverOptions()))
	errc := make(chan error, 1)
	go func() {
		errc <- server.Run()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		logrus.Info("shutting down")
		return nil
	}
}

func lookupCmd(args []string) error {
	fs := flag.NewFlagSet("lookup", flag.ExitOnError)
	configPath := fs.String("config", "./config.yaml", "config file")
	debug := fs.Bool("enable-debug", false, "enable debug logging")
	_ = fs.Parse(args)
	if fs.NArg() == 0 {
		return errors.New("lookup: need at least 1 ip")
	}

	conf, err := loadConfig(*configPath, *debug)
	if err != nil {
		return err
	}
	fetcher, release, err := buildFetcher(conf)
	if err != nil {
		return err
	}
	defer release()

	r := resolver.New(fetcher, conf.resolverOptions())
	for _, ip := range fs.Args() {
		m, err := r.Resolve(context.Background(), ip)
		switch {
		case err != nil:
			logrus.Errorf("%s: %v", ip, err)
		case m == nil:
			logrus.Infof("%s is not match in tables, country_code: %q", ip, r.UnknownLabel())
		default:
			logrus.Infof("Find %s in %s, country_code: %q", ip, m.Network, m.Label)
		}
	}
	return nil
}

func annotateCmd(args []string) error {
	fs := flag.NewFlagSet("annotate", flag.ExitOnError)
	configPath := fs.String("config", "./config.yaml", "config file")
	csvFile := fs.String("csv-file", "", "CSV file with the address in the second column")
	debug := fs.Bool("enable-debug", false, "enable debug logging")
	_ = fs.Parse(args)
	if *csvFile == "" {
		return errors.New("annotate: -csv-file is required")
	}

	conf, err := loadConfig(*configPath, *debug)
	if err != nil {
		return err
	}

	fp, err := os.Open(*csvFile)
	if err != nil {
		return errors.Wrapf(err, "unable to open %s", *csvFile)
	}
	ips, err := readHostsCSV(fp)
	fp.Close()
	if err != nil {
		return err
	}
	logrus.Infof("csv line.size: %d", len(ips))
	if len(ips) == 0 {
		logrus.Info("Empty csv record.")
		return nil
	}

	fetcher, release, err := buildFetcher(conf)
	if err != nil {
		return err
	}
	defer release()

	res, err := Annotate(context.Background(), resolver.New(fetcher, conf.resolverOptions()), sortAddresses(ips), conf.Workers)
	if err != nil {
		return err
	}
	if _, err := SaveAnnotateResult(conf.OutputDir, time.Now(), res); err != nil {
		return err
	}

	logrus.Info("Done.")
	return nil
}

func convertCmd(args []string) error {
	fs := flag.NewFlagSet("convert", flag.ExitOnError)
	csvFile := fs.String("csv-file", "", "RIR allocation CSV file")
	outputDir := fs.String("output-dir", "", "output directory, defaults to the source directory")
	pageSize := fs.Int("page-size", defaultPageSize, "rows per written page")
	_ = fs.Parse(args)
	if *csvFile == "" {
		return errors.New("convert: -csv-file is required")
	}

	_, err := ConvertRIRCSVFile(*csvFile, *outputDir, *pageSize)
	return err
}

func cidrCmd(args []string) error {
	fs := flag.NewFlagSet("cidr", flag.ExitOnError)
	csvFile := fs.String("csv-file", "", "CIDR CSV file written by convert")
	_ = fs.Parse(args)
	if *csvFile == "" || fs.NArg() == 0 {
		return errors.New("cidr: need -csv-file and at least 1 ip")
	}

	table, err := LoadCidrTableFile(*csvFile)
	if err != nil {
		return err
	}
	for _, ip := range fs.Args() {
		network, cc, ok, err := table.Lookup(ip)
		switch {
		case err != nil:
			logrus.Errorf("%s: %v", ip, err)
		case !ok:
			logrus.Infof("%s is not match in tables.", ip)
		default:
			logrus.Infof("Find %s in %q, country_code: %q", ip, network, cc)
		}
	}
	return nil
}

func loadCmd(args []string) error {
	fs := flag.NewFlagSet("load", flag.ExitOnError)
	configPath := fs.String("config", "./config.yaml", "config file")
	csvFile := fs.String("csv-file", "", "RIR allocation CSV file")
	_ = fs.Parse(args)
	if *csvFile == "" {
		return errors.New("load: -csv-file is required")
	}

	conf, err := loadConfig(*configPath, false)
	if err != nil {
		return err
	}
	if conf.Source.Kind != SourceSQL {
		return errors.New("load: source kind must be sql")
	}

	fp, err := os.Open(*csvFile)
	if err != nil {
		return errors.Wrapf(err, "unable to open %s", *csvFile)
	}
	records, err := parseRIRCSV(fp)
	fp.Close()
	if err != nil {
		return err
	}

	f, err := OpenSQLRangeFetcher(conf)
	if err != nil {
		return err
	}
	defer f.Close()

	ctx := context.Background()
	if err := f.CreateSchema(ctx); err != nil {
		return err
	}
	if err := f.InsertRecords(ctx, records); err != nil {
		return err
	}
	logrus.Infof("loaded %d records into %s", len(records), conf.Source.Table)
	return nil
}

func updateCmd(args []string) error {
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	configPath := fs.String("config", "./config.yaml", "config file")
	fetchLimit := fs.Int("fetch-limit", 100, "number of hosts to fetch")
	saveMatchNetwork := fs.Bool("save-match-network", false, "save the network hosts and unknown hosts files")
	noOutputSQL := fs.Bool("no-output-sql", false, "do not write the country_code update SQL file")
	debug := fs.Bool("enable-debug", false, "enable debug logging")
	_ = fs.Parse(args)

	conf, err := loadConfig(*configPath, *debug)
	if err != nil {
		return err
	}
	if conf.Source.Kind != SourceSQL {
		return errors.New("update: source kind must be sql")
	}

	f, err := OpenSQLRangeFetcher(conf)
	if err != nil {
		return err
	}
	defer f.Close()

	hosts, err := NewHostStore(f.DB(), conf.Source.Driver, conf.Source.HostsTable)
	if err != nil {
		return err
	}

	r := resolver.New(f, conf.resolverOptions())
	res, err := AnnotateHostsWithoutCountry(context.Background(), hosts, r, *fetchLimit, conf.Workers)
	if err != nil {
		return err
	}
	if res == nil {
		logrus.Info("Done.")
		return nil
	}

	day := time.Now()
	if *saveMatchNetwork {
		if _, err := SaveAnnotateResult(conf.OutputDir, day, res); err != nil {
			return err
		}
	}
	if !*noOutputSQL {
		if _, err := SaveUpdateSQL(conf.OutputDir, day, conf.Source.HostsTable, res.Hosts); err != nil {
			return err
		}
	}

	logrus.Info("Done.")
	return nil
}
