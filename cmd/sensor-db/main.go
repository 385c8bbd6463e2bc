// Sensor Monitor Database CLI Tool
// Provides command-line access to the sensor monitor database
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/agsys/sensor-monitor/internal/config"
	"github.com/agsys/sensor-monitor/internal/devicestate"
	"github.com/agsys/sensor-monitor/internal/storage"
)

const timeLayout = "2006-01-02 15:04"

var (
	dbPath     string
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "sensor-db",
		Short: "Sensor Monitor Database CLI",
		Long:  "Command-line tool for inspecting and provisioning the sensor monitor database.",
	}

	devicesCmd = &cobra.Command{
		Use:   "devices",
		Short: "List all devices",
		RunE:  listDevices,
	}

	itemsCmd = &cobra.Command{
		Use:   "items <device>",
		Short: "Show the latest state of a device's sensors",
		Args:  cobra.ExactArgs(1),
		RunE:  showItems,
	}

	rulesCmd = &cobra.Command{
		Use:   "rules <device>",
		Short: "Show alert rules",
		Args:  cobra.ExactArgs(1),
		RunE:  showRules,
	}

	alertsCmd = &cobra.Command{
		Use:   "alerts [device]",
		Short: "Show alert log items",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showAlerts,
	}

	logsCmd = &cobra.Command{
		Use:   "logs <device> <date>",
		Short: "Show a device's log for a day (YYYY-MM-DD)",
		Args:  cobra.ExactArgs(2),
		RunE:  showLogs,
	}

	chartCmd = &cobra.Command{
		Use:   "chart <device> <date>",
		Short: "Print chart series for a device's day as JSON",
		Args:  cobra.ExactArgs(2),
		RunE:  showChart,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE:  showStats,
	}

	provisionCmd = &cobra.Command{
		Use:   "provision <file>",
		Short: "Create or update devices, sensors, rules and channels from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE:  provision,
	}

	queryCmd = &cobra.Command{
		Use:   "query [sql]",
		Short: "Execute a raw SQL query",
		Args:  cobra.ExactArgs(1),
		RunE:  executeQuery,
	}

	limit     int
	openOnly  bool
	sensorVar string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/sensor-monitor/monitor.db", "Database file path")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Monitor configuration file, for database path and site timezone")

	alertsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	alertsCmd.Flags().BoolVar(&openOnly, "open", false, "Only show open alerts")
	logsCmd.Flags().StringVarP(&sensorVar, "sensor", "s", "", "Only show one sensor variable")

	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(itemsCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(alertsCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(chartCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(queryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// site returns the database path and site timezone. A config file, when
// given, supplies both unless --database is set explicitly.
func site() (string, string, error) {
	if configFile == "" {
		return dbPath, "", nil
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return "", "", err
	}
	path := dbPath
	if !rootCmd.PersistentFlags().Changed("database") {
		path = cfg.Database.Path
	}
	return path, cfg.Site.Timezone, nil
}

// openDB opens the store with the same site timezone the monitor writes with
func openDB(ctx context.Context) (*storage.DB, error) {
	path, tz, err := site()
	if err != nil {
		return nil, err
	}
	db, _, err := storage.OpenSite(ctx, path, tz)
	return db, err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(timeLayout)
}

func yesNo(b bool) string {
	if b {
		return "Y"
	}
	return "N"
}

func listDevices(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	devices, err := db.ListDevices(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tHOSTNAME\tALIAS\tPLACE\tENABLED\tCONNECTED\tSINCE")
	fmt.Fprintln(w, "----\t--------\t-----\t-----\t-------\t---------\t-----")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.Name, d.Hostname, d.Alias, d.Place, yesNo(!d.Disabled), yesNo(d.Connected), formatTime(d.ConnectedAt))
	}
	w.Flush()
	return nil
}

func showItems(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	items, err := db.ListSensorDataItems(ctx, args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IDX\tSENSOR\tVALUE\tUOM\tCOUNT\tAVG\tMAX\tMIN\tRECORDED")
	fmt.Fprintln(w, "---\t------\t-----\t---\t-----\t---\t---\t---\t--------")
	for _, it := range items {
		fmt.Fprintf(w, "%d\t%s\t%.2f\t%s\t%d\t%.2f\t%.2f\t%.2f\t%s\n",
			it.Idx, it.SensorVar, it.Value, it.UOM, it.ReadingCount,
			it.Average, it.Maximum, it.Minimum, formatTime(it.LastRecorded))
	}
	w.Flush()
	return nil
}

func showRules(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	rules, err := db.ListAlertRules(ctx, args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SENSOR\tHIGH\tON\tACTIVE\tLOW\tON\tACTIVE\tCOOLDOWN\tLAST ALERT")
	fmt.Fprintln(w, "------\t----\t--\t------\t---\t--\t------\t--------\t----------")
	for _, r := range rules {
		fmt.Fprintf(w, "%s\t%.2f\t%s\t%s\t%.2f\t%s\t%s\t%s\t%s\n",
			r.SensorVar, r.HighValue, yesNo(r.AlertHigh), yesNo(r.ActiveHigh),
			r.LowValue, yesNo(r.AlertLow), yesNo(r.ActiveLow), r.Cooldown, formatTime(r.LastAlertTime))
	}
	w.Flush()
	return nil
}

func showAlerts(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	device := ""
	if len(args) > 0 {
		device = args[0]
	}
	items, err := db.ListAlertLogItems(ctx, device, openOnly, limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LOG\tDEVICE\tSENSOR\tDIR\tVALUE\tFROM\tTO\tEMAIL\tSMS")
	fmt.Fprintln(w, "---\t------\t------\t---\t-----\t----\t--\t-----\t---")
	for _, it := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%s\t%s\t%s\t%s\n",
			it.LogName, it.Device, it.SensorVar, it.Direction, it.Value,
			formatTime(it.FromTime), formatTime(it.ToTime), yesNo(it.ByEmail), yesNo(it.BySMS))
	}
	w.Flush()
	return nil
}

func showLogs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	log, err := db.GetDeviceLog(ctx, args[0], args[1], sensorVar)
	if err != nil {
		return err
	}

	fmt.Printf("Log %s\n", log.Name)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSENSOR\tVALUE\tUOM\tCOUNT\tAVG\tMAX\tMIN")
	fmt.Fprintln(w, "----\t------\t-----\t---\t-----\t---\t---\t---")
	for _, it := range log.Items {
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\t%d\t%.2f\t%.2f\t%.2f\n",
			it.Timestamp.Format("15:04:05"), it.SensorVar, it.Value, it.UOM,
			it.ReadingCount, it.Average, it.Maximum, it.Minimum)
	}
	w.Flush()
	return nil
}

func showChart(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	log, err := db.GetDeviceLog(ctx, args[0], args[1], "")
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(devicestate.BuildChart(log))
}

func showStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.GetStats(ctx)
	if err != nil {
		return err
	}
	settings, err := db.GetSettings(ctx)
	if err != nil {
		return err
	}

	fmt.Println("Database Statistics")
	fmt.Println("===================")
	fmt.Printf("Devices: %d (connected: %d)\n", stats.Devices, stats.ConnectedDevices)
	fmt.Printf("Sensor items: %d\n", stats.SensorItems)
	fmt.Printf("Alert rules: %d\n", stats.AlertRules)
	fmt.Printf("Alert log items: %d (open: %d)\n", stats.AlertItems, stats.OpenAlerts)
	fmt.Printf("Device log items: %d\n", stats.DeviceLogItems)
	fmt.Printf("Last collection: %s\n", formatTime(settings.LastCollection))
	return nil
}

func provision(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read provision file: %w", err)
	}
	p, err := parseProvision(data)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := p.apply(ctx, db); err != nil {
		return fmt.Errorf("provision failed: %w", err)
	}
	fmt.Printf("Provisioned %d devices\n", len(p.Devices))
	return nil
}

func executeQuery(cmd *cobra.Command, args []string) error {
	path, _, err := site()
	if err != nil {
		return err
	}
	db, err := sql.Open("sqlite3", path+"?mode=ro")
	if err != nil {
		return err
	}
	defer db.Close()

	query := args[0]

	// Only allow SELECT queries for safety
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return fmt.Errorf("only SELECT queries are allowed")
	}

	rows, err := db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(cols, "\t"))
	fmt.Fprintln(w, strings.Repeat("-\t", len(cols)))

	values := make([]interface{}, len(cols))
	valuePtrs := make([]interface{}, len(cols))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return err
		}

		var row []string
		for _, v := range values {
			switch val := v.(type) {
			case nil:
				row = append(row, "NULL")
			case []byte:
				row = append(row, string(val))
			default:
				row = append(row, fmt.Sprintf("%v", val))
			}
		}
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
	return rows.Err()
}
