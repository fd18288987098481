package setup

import (
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dpolaris/polaris/internal/config"
)

// Step names reported in StepError.
const (
	StepRemoveStaleEnv        = "remove-stale-env"
	StepCreateEnv             = "create-env"
	StepFetchBootstrap        = "fetch-bootstrap"
	StepInstallPackageManager = "install-package-manager"
	StepInstallDependencies   = "install-dependencies"

	bootstrapFile = "get-pip.py"
)

// Env locates everything the default pipeline touches.
type Env struct {
	BackendDir   string
	VenvDir      string
	Requirements string
	SystemPython string
	BootstrapURL string
}

// EnvFromConfig resolves an Env from configuration.
func EnvFromConfig(cfg *config.Config) Env {
	return Env{
		BackendDir:   cfg.Backend.Path,
		VenvDir:      cfg.VenvPath(),
		Requirements: cfg.RequirementsPath(),
		SystemPython: cfg.SystemPython(),
		BootstrapURL: cfg.Setup.BootstrapURL,
	}
}

// DefaultSteps builds the provisioning sequence: drop any stale venv,
// create one without pip, fetch and run the pip bootstrap, then install
// the requirements.
func DefaultSteps(env Env, runner Runner, client *http.Client, out io.Writer) []Step {
	return []Step{
		&RemoveDirStep{
			StepName: StepRemoveStaleEnv,
			Path:     env.VenvDir,
		},
		&CommandStep{
			StepName: StepCreateEnv,
			Message:  "Creating virtual environment with " + env.SystemPython,
			Dir:      env.BackendDir,
			Runner:   runner,
			Out:      out,
			Command: func(*Workspace) (string, []string) {
				// without pip: ensurepip is unreliable on newer interpreters
				return env.SystemPython, []string{"-m", "venv", "--without-pip", env.VenvDir}
			},
		},
		&FetchStep{
			StepName: StepFetchBootstrap,
			URL:      env.BootstrapURL,
			File:     bootstrapFile,
			Client:   client,
		},
		&CommandStep{
			StepName: StepInstallPackageManager,
			Message:  "Installing pip",
			Dir:      env.BackendDir,
			Runner:   runner,
			Out:      out,
			Command: func(ws *Workspace) (string, []string) {
				return config.VenvBin(env.VenvDir, "python"), []string{ws.Path(bootstrapFile)}
			},
		},
		&CommandStep{
			StepName: StepInstallDependencies,
			Message:  "Installing dependencies from " + filepath.Base(env.Requirements),
			Dir:      env.BackendDir,
			Runner:   runner,
			Out:      out,
			Command: func(*Workspace) (string, []string) {
				return config.VenvBin(env.VenvDir, "pip"), []string{"install", "-r", env.Requirements}
			},
		},
	}
}

// CheckDependencies reports whether the environment looks provisioned.
func CheckDependencies(env Env) (bool, string) {
	if !exists(env.VenvDir) {
		return false, "Virtual environment not found. Run setup first."
	}
	if !exists(env.Requirements) {
		return false, filepath.Base(env.Requirements) + " not found."
	}
	return true, "Dependencies appear to be installed."
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
