/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Command mtaqueuectl drives the three admin directives (suspend, bounce,
// rebind) against a running mtaqueued's HTTP surface.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "mtaqueuectl",
		Usage: "outbound delivery queue administration utility",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "admin",
				Usage:   "address of the mtaqueued admin HTTP surface",
				EnvVars: []string{"MTAQUEUED_ADMIN"},
				Value:   "http://localhost:9980",
			},
		},
		Commands: []*cli.Command{
			suspendCommand(),
			bounceCommand(),
			rebindCommand(),
		},
		ExitErrHandler: func(c *cli.Context, err error) {
			cli.HandleExitCoder(err)
			if err != nil {
				fmt.Fprintln(os.Stderr, err.Error())
				cli.OsExiter(1)
			}
		},
	}

	app.Run(os.Args)
}

type directiveResponse struct {
	DirectiveID string `json:"directive_id"`
	Affected    int    `json:"affected"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func postDirective(adminAddr, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return cli.Exit(fmt.Sprintf("mtaqueuectl: encode request: %v", err), 1)
	}

	resp, err := http.Post(adminAddr+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return cli.Exit(fmt.Sprintf("mtaqueuectl: request failed: %v", err), 1)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		var errResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return cli.Exit("mtaqueuectl: "+errResp.Error, 2)
	}
	if resp.StatusCode != http.StatusOK {
		return cli.Exit(fmt.Sprintf("mtaqueuectl: admin surface returned %s", resp.Status), 1)
	}

	var directive directiveResponse
	if err := json.NewDecoder(resp.Body).Decode(&directive); err != nil {
		return cli.Exit(fmt.Sprintf("mtaqueuectl: decode response: %v", err), 1)
	}
	fmt.Printf("directive %s accepted, %d message(s) affected\n", directive.DirectiveID, directive.Affected)
	return nil
}

func suspendCommand() *cli.Command {
	return &cli.Command{
		Name:      "suspend",
		Usage:     "reject new deliveries to a domain for a period of time",
		ArgsUsage: "DOMAIN",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "reason", Usage: "reason recorded for the directive"},
			&cli.IntFlag{Name: "duration", Usage: "suspend duration in seconds", Value: 300},
		},
		Action: func(c *cli.Context) error {
			domain := c.Args().First()
			if domain == "" {
				return cli.Exit("mtaqueuectl: suspend requires a DOMAIN argument", 2)
			}
			return postDirective(c.String("admin"), "/api/admin/suspend/v1", map[string]interface{}{
				"domain":           domain,
				"reason":           c.String("reason"),
				"duration_seconds": c.Int("duration"),
			})
		},
	}
}

func bounceCommand() *cli.Command {
	return &cli.Command{
		Name:  "bounce",
		Usage: "purge matching messages from the spool, permanently",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "domain", Usage: "match messages for this recipient domain"},
			&cli.StringFlag{Name: "tenant", Usage: "match messages for this tenant"},
			&cli.StringFlag{Name: "campaign", Usage: "match messages for this campaign"},
			&cli.StringFlag{Name: "reason", Usage: "reason recorded for each bounced message"},
			&cli.IntFlag{Name: "duration", Usage: "seconds to keep purging newly routed matches", Value: 300},
			&cli.BoolFlag{Name: "everything", Usage: "required in place of domain/tenant/campaign to bounce every queue"},
		},
		Action: func(c *cli.Context) error {
			domain, tenant, campaign := c.String("domain"), c.String("tenant"), c.String("campaign")
			everything := c.Bool("everything")
			if domain == "" && tenant == "" && campaign == "" && !everything {
				return cli.Exit("mtaqueuectl: bounce requires --domain, --tenant, --campaign, or --everything", 2)
			}
			return postDirective(c.String("admin"), "/api/admin/bounce/v1", map[string]interface{}{
				"domain":           domain,
				"tenant":           tenant,
				"campaign":         campaign,
				"reason":           c.String("reason"),
				"duration_seconds": c.Int("duration"),
				"everything":       everything,
			})
		},
	}
}

func rebindCommand() *cli.Command {
	return &cli.Command{
		Name:  "rebind",
		Usage: "move matching messages to a different logical queue",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "domain", Usage: "match messages for this recipient domain"},
			&cli.StringFlag{Name: "tenant", Usage: "match messages for this tenant"},
			&cli.StringFlag{Name: "campaign", Usage: "match messages for this campaign"},
			&cli.StringFlag{Name: "queue", Usage: "new queue name, passed to the policy host's rebind callback"},
			&cli.BoolFlag{Name: "trigger-event", Usage: "log a rebind event (old and new queue name) for each moved message"},
		},
		Action: func(c *cli.Context) error {
			data, err := json.Marshal(map[string]string{"queue": c.String("queue")})
			if err != nil {
				return cli.Exit(fmt.Sprintf("mtaqueuectl: encode rebind payload: %v", err), 1)
			}
			return postDirective(c.String("admin"), "/api/admin/rebind/v1", map[string]interface{}{
				"domain":        c.String("domain"),
				"tenant":        c.String("tenant"),
				"campaign":      c.String("campaign"),
				"data":          json.RawMessage(data),
				"trigger_event": c.Bool("trigger-event"),
			})
		},
	}
}
