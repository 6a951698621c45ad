package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/agentworkforce/relaytree/internal/remote"
	"github.com/spf13/cobra"
)

func (a *app) client() (*remote.Client, error) {
	if a.cfg.Workspace == "" {
		return nil, errors.New("workspace is required (--workspace or RELAYTREE_WORKSPACE)")
	}
	return remote.NewClient(a.cfg.BaseURL, a.cfg.Token, &http.Client{Timeout: a.cfg.Timeout}), nil
}

func addClientFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("base-url", "http://127.0.0.1:8080", "backend base URL")
	cmd.PersistentFlags().String("token", "", "bearer token")
	cmd.PersistentFlags().StringP("workspace", "w", "", "workspace id")
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newCollectionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "collection", Short: "Change collections on the backend"}
	addClientFlags(cmd)

	var parent string
	create := &cobra.Command{
		Use:   "create TITLE",
		Short: "Create a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			rec, err := client.CreateCollection(cmd.Context(), a.cfg.Workspace, remote.CreateCollectionInput{Title: args[0], ParentID: parent})
			if err != nil {
				return err
			}
			return printJSON(cmd, rec)
		},
	}
	create.Flags().StringVar(&parent, "parent", "", "parent collection id")

	rename := &cobra.Command{
		Use:   "rename ID TITLE",
		Short: "Rename a collection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			rec, err := client.RenameCollection(cmd.Context(), a.cfg.Workspace, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, rec)
		},
	}

	remove := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a collection and everything below it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			if err := client.DeleteCollection(cmd.Context(), a.cfg.Workspace, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted collection %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(create, rename, remove)
	return cmd
}

func newRequestCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "request", Short: "Change stored requests on the backend"}
	addClientFlags(cmd)

	create := &cobra.Command{
		Use:   "create COLLECTION_ID TITLE REQUEST_JSON",
		Short: "Store a request in a collection",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			rec, err := client.CreateRequest(cmd.Context(), a.cfg.Workspace, args[0], remote.CreateRequestInput{Title: args[1], Request: args[2]})
			if err != nil {
				return err
			}
			return printJSON(cmd, rec)
		},
	}

	var title, request string
	update := &cobra.Command{
		Use:   "update ID",
		Short: "Change a stored request's title or body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			var in remote.UpdateRequestInput
			if cmd.Flags().Changed("title") {
				in.Title = &title
			}
			if cmd.Flags().Changed("request") {
				in.Request = &request
			}
			if in.Title == nil && in.Request == nil {
				return errors.New("nothing to update: pass --title or --request")
			}
			rec, err := client.UpdateRequest(cmd.Context(), a.cfg.Workspace, args[0], in)
			if err != nil {
				return err
			}
			return printJSON(cmd, rec)
		},
	}
	update.Flags().StringVar(&title, "title", "", "new title")
	update.Flags().StringVar(&request, "request", "", "new stored request JSON")

	remove := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a stored request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			if err := client.DeleteRequest(cmd.Context(), a.cfg.Workspace, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted request %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(create, update, remove)
	return cmd
}
