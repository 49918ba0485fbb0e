package modules

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/tierctl/tierctl/pkg"
)

// MysqlUserModule manages MySQL accounts and their grants through the mysql
// client on the target host. It assumes passwordless root access there, the
// usual setup for a managed database host.
type MysqlUserModule struct{}

func (mm MysqlUserModule) InputType() reflect.Type {
	return reflect.TypeOf(MysqlUserInput{})
}

type MysqlUserInput struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Password string `yaml:"password"`
	Priv     string `yaml:"priv"` // e.g. "appdb.*:ALL"
	State    string `yaml:"state"`
}

type MysqlUserOutput struct {
	User  string
	State pkg.StateChange[string]
}

func (i MysqlUserInput) userHost() string {
	if i.Host == "" {
		return "localhost"
	}
	return i.Host
}

func (i MysqlUserInput) state() string {
	if i.State == "" {
		return "present"
	}
	return i.State
}

func (i MysqlUserInput) Validate() error {
	if i.Name == "" {
		return fmt.Errorf("missing required parameter. Name should be given")
	}
	switch i.state() {
	case "present", "absent":
	default:
		return fmt.Errorf("invalid mysql_user state %q, expected present or absent", i.State)
	}
	if i.Priv != "" && !strings.Contains(i.Priv, ":") {
		return fmt.Errorf("invalid priv %q, expected db.table:PRIVS", i.Priv)
	}
	return nil
}

func (i MysqlUserInput) GetVariableUsage() []string {
	usage := pkg.GetVariableUsageFromTemplate(i.Name)
	usage = append(usage, pkg.GetVariableUsageFromTemplate(i.Password)...)
	return append(usage, pkg.GetVariableUsageFromTemplate(i.Priv)...)
}

func (o MysqlUserOutput) String() string {
	return fmt.Sprintf("  user: %s\n  state: %s -> %s\n", o.User, o.State.Before, o.State.After)
}

func (o MysqlUserOutput) Changed() bool {
	return o.State.Changed()
}

// query runs a statement through the mysql client and returns its raw output.
func (mm MysqlUserModule) query(c *pkg.Closure, stmt string) (string, error) {
	command := fmt.Sprintf("mysql -NBe %q", stmt)
	rc, stdout, stderr, err := c.HostContext.RunCommand(command, "")
	if err != nil {
		return "", err
	}
	if rc != 0 {
		return "", &pkg.ActionError{Action: "mysql_user", Msg: fmt.Sprintf("query failed: %s", strings.TrimSpace(stderr))}
	}
	return strings.TrimSpace(stdout), nil
}

func (mm MysqlUserModule) userExists(c *pkg.Closure, name, host string) (bool, error) {
	out, err := mm.query(c, fmt.Sprintf("SELECT COUNT(*) FROM mysql.user WHERE user = '%s' AND host = '%s'", name, host))
	if err != nil {
		return false, err
	}
	return out != "0" && out != "", nil
}

// hasGrant checks whether the account's grants already cover the declared
// privilege. Matching is textual against SHOW GRANTS output.
func (mm MysqlUserModule) hasGrant(c *pkg.Closure, name, host, priv string) (bool, error) {
	out, err := mm.query(c, fmt.Sprintf("SHOW GRANTS FOR '%s'@'%s'", name, host))
	if err != nil {
		return false, err
	}
	target, privs := splitPriv(priv)
	for _, line := range strings.Split(out, "\n") {
		upper := strings.ToUpper(line)
		if strings.Contains(upper, fmt.Sprintf("GRANT %s ", strings.ToUpper(privs))) &&
			strings.Contains(strings.ReplaceAll(upper, "`", ""), strings.ToUpper(target)) {
			return true, nil
		}
	}
	return false, nil
}

func splitPriv(priv string) (target, privs string) {
	parts := strings.SplitN(priv, ":", 2)
	if len(parts) != 2 {
		return priv, ""
	}
	return parts[0], parts[1]
}

func (mm MysqlUserModule) Probe(params pkg.ModuleInput, c *pkg.Closure) (pkg.Diff, error) {
	input, ok := params.(MysqlUserInput)
	if !ok {
		return pkg.Diff{}, fmt.Errorf("Probe: incorrect parameter type: expected MysqlUserInput, got %T", params)
	}

	name, err := pkg.TemplateString(input.Name, c)
	if err != nil {
		return pkg.Diff{}, err
	}
	account := fmt.Sprintf("'%s'@'%s'", name, input.userHost())

	exists, err := mm.userExists(c, name, input.userHost())
	if err != nil {
		return pkg.Diff{}, err
	}

	if input.state() == "absent" {
		if !exists {
			return pkg.NoChangeDiff(fmt.Sprintf("%s absent", account)), nil
		}
		return pkg.Diff{Before: fmt.Sprintf("%s present", account), After: fmt.Sprintf("%s absent", account)}, nil
	}

	if !exists {
		return pkg.Diff{Before: fmt.Sprintf("%s absent", account), After: fmt.Sprintf("%s present", account)}, nil
	}
	if input.Priv != "" {
		priv, err := pkg.TemplateString(input.Priv, c)
		if err != nil {
			return pkg.Diff{}, err
		}
		granted, err := mm.hasGrant(c, name, input.userHost(), priv)
		if err != nil {
			return pkg.Diff{}, err
		}
		if !granted {
			return pkg.Diff{Before: fmt.Sprintf("%s without %s", account, priv), After: fmt.Sprintf("%s with %s", account, priv)}, nil
		}
	}
	return pkg.NoChangeDiff(fmt.Sprintf("%s present", account)), nil
}

func (mm MysqlUserModule) Apply(params pkg.ModuleInput, c *pkg.Closure) (pkg.ModuleOutput, error) {
	input, ok := params.(MysqlUserInput)
	if !ok {
		return nil, fmt.Errorf("Apply: incorrect parameter type: expected MysqlUserInput, got %T", params)
	}

	name, err := pkg.TemplateString(input.Name, c)
	if err != nil {
		return nil, err
	}
	host := input.userHost()
	account := fmt.Sprintf("'%s'@'%s'", name, host)

	exists, err := mm.userExists(c, name, host)
	if err != nil {
		return nil, err
	}
	before := "absent"
	if exists {
		before = "present"
	}

	if input.state() == "absent" {
		if exists {
			if _, err := mm.query(c, fmt.Sprintf("DROP USER %s", account)); err != nil {
				return nil, err
			}
		}
		return MysqlUserOutput{User: account, State: pkg.StateChange[string]{Before: before, After: "absent"}}, nil
	}

	if !exists {
		password, err := pkg.TemplateString(input.Password, c)
		if err != nil {
			return nil, err
		}
		stmt := fmt.Sprintf("CREATE USER %s IDENTIFIED BY '%s'", account, password)
		if password == "" {
			stmt = fmt.Sprintf("CREATE USER %s", account)
		}
		if _, err := mm.query(c, stmt); err != nil {
			return nil, err
		}
	}

	if input.Priv != "" {
		priv, err := pkg.TemplateString(input.Priv, c)
		if err != nil {
			return nil, err
		}
		target, privs := splitPriv(priv)
		if _, err := mm.query(c, fmt.Sprintf("GRANT %s ON %s TO %s", privs, target, account)); err != nil {
			return nil, err
		}
		if _, err := mm.query(c, "FLUSH PRIVILEGES"); err != nil {
			return nil, err
		}
	}

	return MysqlUserOutput{User: account, State: pkg.StateChange[string]{Before: before, After: "present"}}, nil
}

func init() {
	pkg.RegisterModule("mysql_user", MysqlUserModule{})
}
