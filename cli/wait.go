package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	ehttp "github.com/metasvc/corehub/http"
)

var waitCmd = &cobra.Command{
	Use:   "wait",
	Short: "poll a running instance's GET /version until it responds or the timeout elapses",
	Run:   runWait,
}

func init() {
	waitCmd.Flags().String("url", "http://localhost:8080", "base URL of the instance to poll")
	waitCmd.Flags().Duration("timeout", 30*time.Second, "how long to keep polling before giving up")
	waitCmd.Flags().Duration("interval", time.Second, "delay between poll attempts")
	RootCmd.AddCommand(waitCmd)
}

func runWait(cmd *cobra.Command, args []string) {
	url, _ := cmd.Flags().GetString("url")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	interval, _ := cmd.Flags().GetDuration("interval")

	deadline := time.Now().Add(timeout)
	for {
		req := ehttp.NewRequest("GET", url+"/version")
		req.Timeout = 5
		resp, err := ehttp.Execute(req)
		if err == nil && resp.IsSuccess() {
			fmt.Println("ready:", url)
			return
		}
		if time.Now().After(deadline) {
			cobra.CheckErr(fmt.Errorf("timed out waiting for %s to become ready", url))
		}
		time.Sleep(interval)
	}
}
