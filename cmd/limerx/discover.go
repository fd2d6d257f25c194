package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rjboer/GoLimeSDR/internal/discovery"
	"github.com/rjboer/GoLimeSDR/internal/logging"
)

var browse = discovery.Browse

func runDiscover(ctx context.Context, out io.Writer, service string, timeout time.Duration, logger logging.Logger) error {
	hosts, err := browse(ctx, service, timeout, logger)
	if err != nil {
		return err
	}
	if len(hosts) == 0 {
		fmt.Fprintln(out, "no Lime devices found")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tSERIAL\tMODEL\tHOST\tPORT\tADDRESSES")
	for _, h := range hosts {
		model := "-"
		if h.Identity.Model != 0 {
			model = h.Identity.Model.String()
		}
		serial := h.Identity.Serial
		if serial == "" {
			serial = "-"
		}
		addrs := make([]string, 0, len(h.Addresses))
		for _, a := range h.Addresses {
			addrs = append(addrs, a.String())
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", h.Instance, serial, model, h.Hostname, h.Port, strings.Join(addrs, ","))
	}
	return tw.Flush()
}
