// Command graphlower lowers composite operators and rewrites graph
// boundaries.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/born-ml/graphlower/internal/cli"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()

	cmd := cli.NewRootCommand()
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
