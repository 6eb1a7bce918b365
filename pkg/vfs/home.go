package vfs

import "fmt"

// Standard skeleton created in every agent home.
var homeSkeleton = []string{"Desktop", "Documents", "Downloads", "Projects", ".config"}

const defaultProfile = `# agent shell profile
export PATH=/usr/local/bin:/usr/bin:/bin
`

// HomeDir returns the virtual home path for an agent UID.
func HomeDir(uid string) string { return "/home/" + uid }

// CreateHome provisions an agent home with the standard skeleton and a
// default .profile. Idempotent: existing directories are left alone, but an
// existing .profile is not overwritten.
func (f *FS) CreateHome(uid string) (string, error) {
	home := HomeDir(uid)
	for _, dir := range homeSkeleton {
		if err := f.Mkdir(home+"/"+dir, true); err != nil {
			return "", fmt.Errorf("failed to provision home for %s: %w", uid, err)
		}
	}
	profile := home + "/.profile"
	if !f.Exists(profile) {
		if err := f.WriteFile(profile, []byte(defaultProfile)); err != nil {
			return "", fmt.Errorf("failed to write profile for %s: %w", uid, err)
		}
	}
	return home, nil
}

// RemoveHome deletes an agent home tree after the process is reaped.
func (f *FS) RemoveHome(uid string) error {
	return f.Remove(HomeDir(uid), true)
}
