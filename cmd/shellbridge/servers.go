package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/shellbridge/internal/registry"
)

func newServersCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Manage the server registry",
	}
	cmd.AddCommand(newServersListCmd(root))
	cmd.AddCommand(newServersAddCmd(root))
	cmd.AddCommand(newServersRemoveCmd(root))
	return cmd
}

func newServersListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered servers",
		RunE: func(*cobra.Command, []string) error {
			reg, err := root.loadRegistry()
			if err != nil {
				return err
			}
			servers := reg.List()
			if len(servers) == 0 {
				fmt.Println("no servers registered")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tADDRESS\tUSER\tENABLED\tDEFAULT")
			for _, s := range servers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%t\n", s.ID, s.Name, s.Addr(), s.User, s.Enabled, s.Default)
			}
			return w.Flush()
		},
	}
}

type addServerFlags struct {
	name           string
	host           string
	port           int
	user           string
	password       string
	privateKeyPath string
	setDefault     bool
	disabled       bool
}

func newServersAddCmd(root *rootOptions) *cobra.Command {
	opts := &addServerFlags{}
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add or replace a server entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if opts.host == "" {
				return fmt.Errorf("--host is required")
			}
			if opts.user == "" {
				return fmt.Errorf("--user is required")
			}
			reg, err := root.loadRegistry()
			if err != nil {
				return err
			}
			name := opts.name
			if name == "" {
				name = args[0]
			}
			srv := registry.Server{
				ID:             args[0],
				Name:           name,
				Host:           opts.host,
				Port:           opts.port,
				User:           opts.user,
				Password:       opts.password,
				PrivateKeyPath: opts.privateKeyPath,
				Enabled:        !opts.disabled,
				Default:        opts.setDefault,
			}
			if err := reg.Add(srv); err != nil {
				return err
			}
			fmt.Printf("added %s (%s)\n", srv.ID, srv.Addr())
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.name, "name", "", "display name (defaults to the id)")
	cmd.Flags().StringVar(&opts.host, "host", "", "hostname or IP address")
	cmd.Flags().IntVar(&opts.port, "port", 0, "SSH port (default 22)")
	cmd.Flags().StringVar(&opts.user, "user", "", "SSH user")
	cmd.Flags().StringVar(&opts.password, "password", "", "SSH password (prefer --key for anything real)")
	cmd.Flags().StringVar(&opts.privateKeyPath, "key", "", "path to an SSH private key file")
	cmd.Flags().BoolVar(&opts.setDefault, "default", false, "mark this server as the default")
	cmd.Flags().BoolVar(&opts.disabled, "disabled", false, "register the server but keep it disabled")
	return cmd
}

func newServersRemoveCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a server entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			reg, err := root.loadRegistry()
			if err != nil {
				return err
			}
			if err := reg.Remove(args[0]); err != nil {
				return err
			}
			fmt.Printf("removed %s\n", args[0])
			return nil
		},
	}
}
