package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/sluice/am"
	"github.com/teranos/sluice/connector"
	"github.com/teranos/sluice/connector/filesystem"
	"github.com/teranos/sluice/connector/gitrepo"
	"github.com/teranos/sluice/connector/s3"
	"github.com/teranos/sluice/connector/web"
	"github.com/teranos/sluice/display"
	"github.com/teranos/sluice/sym"
)

// newRegistry registers every built-in connector. The s3 connector picks
// up the daemon-wide client settings from cfg.
func newRegistry(cfg *am.Config) *connector.Registry {
	r := connector.NewRegistry()
	r.Register(filesystem.Descriptor())
	r.Register(web.Descriptor())
	r.Register(gitrepo.Descriptor())
	r.Register(s3.Descriptor(s3.Defaults{
		Endpoint:     cfg.S3.Endpoint,
		Region:       cfg.S3.Region,
		AccessKey:    cfg.S3.AccessKey,
		SecretKey:    cfg.S3.SecretKey,
		UsePathStyle: cfg.S3.UsePathStyle,
	}))
	return r
}

// ConnectorsCmd lists the registered connector types
var ConnectorsCmd = &cobra.Command{
	Use:   "connectors",
	Short: sym.Connector + " List registered connector types",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		type row struct {
			Type        string `json:"type"`
			Version     string `json:"version"`
			Listing     string `json:"listing"`
			Description string `json:"description"`
		}
		var rows []row
		for _, d := range newRegistry(cfg).List() {
			rows = append(rows, row{d.Type, d.Version.String(), d.Model.String(), d.Description})
		}
		return display.Render(cmd, rows, func() pterm.TableData {
			data := pterm.TableData{{"TYPE", "VERSION", "LISTING", "DESCRIPTION"}}
			for _, r := range rows {
				data = append(data, []string{r.Type, r.Version, r.Listing, r.Description})
			}
			return data
		})
	},
}
