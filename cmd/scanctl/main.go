// Command scanctl is a cobra-based CLI client for orchestratord's HTTP
// surface (§6), returning the spec's exit codes: 0 success, 2
// usage/validation, 3 queue full, 4 cancelled, 5 timeout, 6 internal error.
// Grounded on 88lin-divinesense's cmd/divinesense cobra+viper wiring.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	exitOK          = 0
	exitUsage       = 2
	exitQueueFull   = 3
	exitCancelled   = 4
	exitTimeout     = 5
	exitInternalErr = 6
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

func serverAddr() string {
	addr := viper.GetString("server")
	if addr == "" {
		addr = "http://localhost:8080"
	}
	return addr
}

func exitWithStatusCode(statusCode int, body []byte) int {
	var payload map[string]string
	_ = json.Unmarshal(body, &payload)
	msg := payload["error"]
	if msg == "" {
		msg = string(body)
	}
	fmt.Fprintln(os.Stderr, "error:", msg)
	switch statusCode {
	case http.StatusBadRequest:
		return exitUsage
	case http.StatusServiceUnavailable:
		return exitQueueFull
	case http.StatusConflict:
		return exitCancelled
	case http.StatusGatewayTimeout:
		return exitTimeout
	default:
		return exitInternalErr
	}
}

func doJSON(method, path string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, serverAddr()+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

var rootCmd = &cobra.Command{
	Use:   "scanctl",
	Short: "CLI client for the scan orchestration core's HTTP surface",
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a scan request (SubmitScan)",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataSourceID, _ := cmd.Flags().GetString("data-source")
		ruleIDs, _ := cmd.Flags().GetStringSlice("rule")
		priority, _ := cmd.Flags().GetString("priority")
		strategy, _ := cmd.Flags().GetString("strategy")
		if dataSourceID == "" || len(ruleIDs) == 0 {
			fmt.Fprintln(os.Stderr, "error: --data-source and at least one --rule are required")
			os.Exit(exitUsage)
		}
		payload := map[string]any{
			"dataSourceId": dataSourceID,
			"ruleIds":      ruleIDs,
			"priority":     priority,
			"strategy":     strategy,
		}
		status, body, err := doJSON(http.MethodPost, "/v1/scans", payload)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(exitInternalErr)
		}
		if status >= 300 {
			os.Exit(exitWithStatusCode(status, body))
		}
		fmt.Println(string(body))
		os.Exit(exitOK)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [executionId]",
	Short: "Get an execution's status (GetExecutionStatus)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, body, err := doJSON(http.MethodGet, "/v1/executions/"+args[0], nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(exitInternalErr)
		}
		if status >= 300 {
			os.Exit(exitWithStatusCode(status, body))
		}
		fmt.Println(string(body))
		os.Exit(exitOK)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [executionId]",
	Short: "Cancel a running execution (CancelExecution)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		path := "/v1/executions/" + args[0]
		if reason != "" {
			path += "?reason=" + reason
		}
		status, body, err := doJSON(http.MethodDelete, path, nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(exitInternalErr)
		}
		if status >= 300 {
			os.Exit(exitWithStatusCode(status, body))
		}
		fmt.Println("cancelled")
		os.Exit(exitOK)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List active executions (ListActiveExecutions)",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, body, err := doJSON(http.MethodGet, "/v1/executions", nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(exitInternalErr)
		}
		if status >= 300 {
			os.Exit(exitWithStatusCode(status, body))
		}
		fmt.Println(string(body))
		os.Exit(exitOK)
		return nil
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Print the orchestrator's metrics snapshot (GetMetrics)",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, body, err := doJSON(http.MethodGet, "/v1/metrics", nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(exitInternalErr)
		}
		if status >= 300 {
			os.Exit(exitWithStatusCode(status, body))
		}
		fmt.Println(string(body))
		os.Exit(exitOK)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List historical execution audit entries (ListHistory)",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, body, err := doJSON(http.MethodGet, "/v1/history", nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(exitInternalErr)
		}
		if status >= 300 {
			os.Exit(exitWithStatusCode(status, body))
		}
		fmt.Println(string(body))
		os.Exit(exitOK)
		return nil
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Schedule a scan request for later placement (ScheduleScan)",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataSourceID, _ := cmd.Flags().GetString("data-source")
		ruleIDs, _ := cmd.Flags().GetStringSlice("rule")
		strategy, _ := cmd.Flags().GetString("strategy")
		cron, _ := cmd.Flags().GetString("cron")
		if dataSourceID == "" || len(ruleIDs) == 0 {
			fmt.Fprintln(os.Stderr, "error: --data-source and at least one --rule are required")
			os.Exit(exitUsage)
		}
		payload := map[string]any{
			"dataSourceId":      dataSourceID,
			"ruleIds":           ruleIDs,
			"schedulingStrategy": strategy,
			"cron":              cron,
		}
		status, body, err := doJSON(http.MethodPost, "/v1/schedules", payload)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(exitInternalErr)
		}
		if status >= 300 {
			os.Exit(exitWithStatusCode(status, body))
		}
		fmt.Println(string(body))
		os.Exit(exitOK)
		return nil
	},
}

func init() {
	submitCmd.Flags().String("data-source", "", "data source id")
	submitCmd.Flags().StringSlice("rule", nil, "rule id (repeatable)")
	submitCmd.Flags().String("priority", "Normal", "Critical|High|Normal|Low")
	submitCmd.Flags().String("strategy", "Adaptive", "execution plan strategy")

	cancelCmd.Flags().String("reason", "", "cancellation reason")

	scheduleCmd.Flags().String("data-source", "", "data source id")
	scheduleCmd.Flags().StringSlice("rule", nil, "rule id (repeatable)")
	scheduleCmd.Flags().String("strategy", "Immediate", "scheduling strategy")
	scheduleCmd.Flags().String("cron", "", "cron expression for recurring schedules")

	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "orchestratord base URL")
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	viper.SetEnvPrefix("scanctl")
	viper.AutomaticEnv()

	rootCmd.AddCommand(submitCmd, statusCmd, cancelCmd, listCmd, metricsCmd, historyCmd, scheduleCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitInternalErr)
	}
}
