package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nyatishield/nyati/internal/handler"
	"github.com/nyatishield/nyati/internal/openapi"
)

func newOpenAPICmd() *cobra.Command {
	var (
		baseURL    string
		format     string
		outputFile string
	)

	cmd := &cobra.Command{
		Use:   "openapi",
		Short: "Generate the OpenAPI specification",
		Long:  "Generate the OpenAPI 3.1 description of the proxy, metered and system endpoints.",
		Example: `  nyati openapi                           # JSON to stdout
  nyati openapi --format yaml -o api.yaml
  nyati openapi --base-url https://shield.example.com`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOpenAPI(baseURL, format, outputFile)
		},
	}

	cmd.Flags().StringVar(&baseURL, "base-url", "", "Server URL to advertise in the spec")
	cmd.Flags().StringVar(&format, "format", "json", "Output format: json or yaml")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write spec to file instead of stdout")

	return cmd
}

func runOpenAPI(baseURL, format, outputFile string) error {
	doc := openapi.Generate(handler.Version, baseURL)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}

	switch strings.ToLower(format) {
	case "json":
		data = append(data, '\n')
	case "yaml", "yml":
		var generic interface{}
		if err := json.Unmarshal(data, &generic); err != nil {
			return fmt.Errorf("convert spec: %w", err)
		}
		if data, err = yaml.Marshal(generic); err != nil {
			return fmt.Errorf("marshal spec: %w", err)
		}
	default:
		return fmt.Errorf("unknown format %q (want json or yaml)", format)
	}

	if outputFile == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(outputFile, data, 0644); err != nil {
		return fmt.Errorf("write spec: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Wrote %s\n", outputFile)
	return nil
}
