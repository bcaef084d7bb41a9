package cmd

import (
	"bytes"
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"

	"github.com/240db/LuxCore/core"
)

// List the devices every compiled-in backend enumerates.
func ListDevices(cliCtx *cli.Context) error {
	setupLogging(cliCtx)

	ctx, err := core.NewContext(coreConfig(cliCtx))
	if err != nil {
		return err
	}
	defer ctx.Close()

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"#", "Name", "Type", "Compute units", "Vector width", "Memory", "Max alloc"})
	for i, desc := range ctx.Descriptions() {
		table.Append([]string{
			fmt.Sprintf("%d", i),
			desc.Name(),
			desc.Type().String(),
			fmt.Sprintf("%d", desc.ComputeUnits()),
			fmt.Sprintf("%d", desc.NativeVectorWidthFloat()),
			formatByteSize(desc.MaxMemory()),
			formatByteSize(desc.MaxMemoryAllocSize()),
		})
	}
	table.Render()

	logger.Noticef("available devices\n%s", buf.String())
	return nil
}

func formatByteSize(size uint64) string {
	switch {
	case size == 0:
		return "-"
	case size >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(size)/(1<<30))
	case size >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(size)/(1<<20))
	}
	return fmt.Sprintf("%d B", size)
}
