package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/coralsync/coralsync/internal/provider"
	"github.com/coralsync/coralsync/internal/storage"
)

func connectionCommand() *cli.Command {
	return &cli.Command{
		Name:    "connection",
		Aliases: []string{"conn"},
		Usage:   "Manage storage backend connections",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Test-authenticate and save a new connection",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "type", Usage: "backend type (localfs, smb, minio, webdav)", Required: true},
					&cli.StringFlag{Name: "alias", Usage: "human-readable name", Required: true},
					&cli.StringFlag{Name: "auth", Usage: "credential kind (basic, account, oauth)", Value: "basic"},
					&cli.StringFlag{Name: "endpoint", Usage: "endpoint or base URL"},
					&cli.StringFlag{Name: "host", Usage: "server host (account auth)"},
					&cli.IntFlag{Name: "port", Usage: "server port (account auth)"},
					&cli.BoolFlag{Name: "secure", Usage: "use TLS"},
					&cli.StringFlag{Name: "username", Usage: "username or access key"},
					&cli.StringFlag{Name: "password", Usage: "password or secret key; omit to read from the keyring"},
					&cli.StringFlag{Name: "token", Usage: "oauth access token"},
					&cli.StringFlag{Name: "bucket", Usage: "bucket or share name"},
					&cli.StringFlag{Name: "region", Usage: "object store region"},
				},
				Action: addConnection,
			},
			{
				Name:   "list",
				Usage:  "List saved connections",
				Action: listConnections,
			},
			{
				Name:   "test",
				Usage:  "Re-test a connection and update its status",
				Flags:  []cli.Flag{&cli.StringFlag{Name: "id", Required: true}},
				Action: testConnection,
			},
			{
				Name:   "remove",
				Usage:  "Delete a connection with no jobs referencing it",
				Flags:  []cli.Flag{&cli.StringFlag{Name: "id", Required: true}},
				Action: removeConnection,
			},
		},
	}
}

func addConnection(c *cli.Context) error {
	a, err := newApp(c.String("config"))
	if err != nil {
		return err
	}
	defer a.close()

	password := c.String("password")
	if password == "" && c.String("auth") != string(provider.AuthOAuth) {
		if stored, err := a.secrets.LoadPassword(c.String("alias")); err == nil {
			password = stored
		}
	}

	conn := &storage.Connection{
		ID:      uuid.NewString(),
		OwnerID: c.String("owner"),
		Type:    c.String("type"),
		Alias:   c.String("alias"),
		Credentials: provider.Credentials{
			Kind:        provider.AuthKind(c.String("auth")),
			AccessToken: c.String("token"),
			Endpoint:    c.String("endpoint"),
			Host:        c.String("host"),
			Port:        c.Int("port"),
			Secure:      c.Bool("secure"),
			Username:    c.String("username"),
			Password:    password,
		},
		Config: provider.Config{
			Endpoint: c.String("endpoint"),
			Bucket:   c.String("bucket"),
			Region:   c.String("region"),
			Secure:   c.Bool("secure"),
		},
		Status: storage.ConnStatusConnected,
	}

	// A connection is only saved after its credentials pass a live
	// authentication.
	p, err := a.registry.Create(conn.Type, conn.Config)
	if err != nil {
		return err
	}
	if err := p.Authenticate(c.Context, conn.Credentials, conn.Config); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	defer p.Disconnect()

	now := time.Now()
	conn.LastContactAt = &now

	if err := a.store.CreateConnection(c.Context, conn); err != nil {
		return err
	}
	if password != "" {
		if err := a.secrets.SavePassword(conn.ID, password); err != nil {
			a.log.Warn("password not saved to keyring", zap.Error(err))
		}
	}

	fmt.Printf("Connection %q created: %s\n", conn.Alias, conn.ID)
	return nil
}

func listConnections(c *cli.Context) error {
	a, err := newApp(c.String("config"))
	if err != nil {
		return err
	}
	defer a.close()

	conns, err := a.store.ListConnections(c.Context, c.String("owner"))
	if err != nil {
		return err
	}
	if len(conns) == 0 {
		fmt.Println("No connections.")
		return nil
	}

	fmt.Printf("%-36s  %-8s  %-20s  %-12s  %s\n", "ID", "TYPE", "ALIAS", "STATUS", "LAST CONTACT")
	for _, conn := range conns {
		last := "-"
		if conn.LastContactAt != nil {
			last = conn.LastContactAt.Format(time.RFC3339)
		}
		fmt.Printf("%-36s  %-8s  %-20s  %-12s  %s\n", conn.ID, conn.Type, conn.Alias, conn.Status, last)
	}
	return nil
}

func testConnection(c *cli.Context) error {
	a, err := newApp(c.String("config"))
	if err != nil {
		return err
	}
	defer a.close()

	conn, err := a.store.GetConnection(c.Context, c.String("id"), c.String("owner"))
	if err != nil {
		return err
	}

	p, err := a.registry.Create(conn.Type, conn.Config)
	if err != nil {
		return err
	}
	defer p.Disconnect()

	if err := p.Authenticate(c.Context, conn.Credentials, conn.Config); err != nil || !p.TestConnection(c.Context) {
		conn.Status = storage.ConnStatusError
		conn.ErrorMessage = "connection test failed"
		if err != nil {
			conn.ErrorMessage = err.Error()
		}
		if uerr := a.store.UpdateConnection(c.Context, conn); uerr != nil {
			return uerr
		}
		return fmt.Errorf("connection test failed: %s", conn.ErrorMessage)
	}

	now := time.Now()
	conn.Status = storage.ConnStatusConnected
	conn.ErrorMessage = ""
	conn.LastContactAt = &now
	if err := a.store.UpdateConnection(c.Context, conn); err != nil {
		return err
	}
	fmt.Printf("Connection %q OK\n", conn.Alias)
	return nil
}

func removeConnection(c *cli.Context) error {
	a, err := newApp(c.String("config"))
	if err != nil {
		return err
	}
	defer a.close()

	id := c.String("id")
	if err := a.store.DeleteConnection(c.Context, id, c.String("owner")); err != nil {
		return err
	}
	if err := a.secrets.DeletePassword(id); err != nil {
		a.log.Warn("keyring entry not removed", zap.Error(err))
	}
	fmt.Printf("Connection %s removed\n", id)
	return nil
}
