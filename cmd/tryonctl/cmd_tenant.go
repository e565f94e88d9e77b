package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/HanTheDev/tryon-gateway/internal/auth"
	"github.com/HanTheDev/tryon-gateway/internal/models"
	"github.com/HanTheDev/tryon-gateway/internal/origin"
	"github.com/HanTheDev/tryon-gateway/internal/ratelimit"
	"github.com/spf13/cobra"
)

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Tenant operations",
	Long:  `Create, list and deactivate tenants.`,
}

var tenantCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a tenant and print its API key",
	RunE:  runTenantCreate,
}

var tenantListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tenants with usage",
	RunE:  runTenantList,
}

var tenantDeactivateCmd = &cobra.Command{
	Use:   "deactivate [tenant-id]",
	Short: "Deactivate a tenant",
	Args:  cobra.ExactArgs(1),
	RunE:  runTenantDeactivate,
}

func init() {
	tenantCmd.AddCommand(tenantCreateCmd)
	tenantCmd.AddCommand(tenantListCmd)
	tenantCmd.AddCommand(tenantDeactivateCmd)

	tenantCreateCmd.Flags().String("name", "", "Tenant name (required)")
	tenantCreateCmd.Flags().String("email", "", "Contact email")
	tenantCreateCmd.Flags().Int("limit", -1, "Generation limit, 0 for unlimited (default DEFAULT_TENANT_LIMIT)")
	tenantCreateCmd.Flags().String("tier", "", "Rate limit tier: free, starter, pro, enterprise")
	tenantCreateCmd.Flags().StringSlice("domain", nil, "Allowed domain, repeatable")
	_ = tenantCreateCmd.MarkFlagRequired("name")
}

func runTenantCreate(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	email, _ := cmd.Flags().GetString("email")
	limit, _ := cmd.Flags().GetInt("limit")
	tier, _ := cmd.Flags().GetString("tier")
	domains, _ := cmd.Flags().GetStringSlice("domain")

	if _, ok := ratelimit.Tiers[tier]; tier != "" && !ok {
		return fmt.Errorf("unknown tier %q", tier)
	}

	cfg, database, err := openDB(cmd.Context())
	if err != nil {
		return err
	}
	defer database.Close()

	if limit < 0 {
		limit = cfg.DefaultTenantLimit
	}

	hosts := make([]string, 0, len(domains))
	for _, d := range domains {
		if host := origin.Normalize(d); host != "" {
			hosts = append(hosts, host)
		}
	}

	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		return err
	}
	tenant := &models.Tenant{
		Name:           name,
		Email:          email,
		APIKey:         apiKey,
		Active:         true,
		Limit:          limit,
		Tier:           tier,
		AllowedOrigins: hosts,
	}
	if err := database.CreateTenant(cmd.Context(), tenant); err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}

	fmt.Printf("Tenant created: %s\n", tenant.ID)
	fmt.Printf("  name:    %s\n", tenant.Name)
	fmt.Printf("  tier:    %s\n", tenant.Tier)
	fmt.Printf("  limit:   %d\n", tenant.Limit)
	fmt.Printf("  domains: %v\n", tenant.AllowedOrigins)
	fmt.Printf("  api key: %s\n", apiKey)
	fmt.Println()
	fmt.Println("Store the API key now; it is only shown masked afterwards.")
	return nil
}

func runTenantList(cmd *cobra.Command, args []string) error {
	_, database, err := openDB(cmd.Context())
	if err != nil {
		return err
	}
	defer database.Close()

	tenants, err := database.ListTenants(cmd.Context())
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTIER\tACTIVE\tUSAGE\tLIMIT\tKEY\tDOMAINS")
	for _, t := range tenants {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%d\t%s\t%v\n",
			t.ID, t.Name, t.Tier, t.Active, t.UsageCount, t.Limit, auth.MaskKey(t.APIKey), t.AllowedOrigins)
	}
	return w.Flush()
}

func runTenantDeactivate(cmd *cobra.Command, args []string) error {
	_, database, err := openDB(cmd.Context())
	if err != nil {
		return err
	}
	defer database.Close()

	inactive := false
	if err := database.UpdateTenant(cmd.Context(), args[0], models.TenantUpdate{Active: &inactive}); err != nil {
		return fmt.Errorf("deactivate %s: %w", args[0], err)
	}
	fmt.Printf("Tenant %s deactivated\n", args[0])
	return nil
}
