package content

import (
	"path/filepath"
	"regexp"
	"strings"
)

// versionedName matches "<base>_<YYYY-MM>.<ext>".
var versionedName = regexp.MustCompile(`^(.+)_(\d{4}-\d{2})(\.[^.]+)$`)

// VersionToken returns the year-month token embedded in a file name, or "" when the
// name does not follow the versioned convention.
func VersionToken(name string) string {
	m := versionedName.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return ""
	}

	return m[2]
}

// BaseName strips the version token and extension from a file name. Files that do not
// follow the convention keep their name minus the extension.
func BaseName(name string) string {
	name = filepath.Base(name)

	if m := versionedName.FindStringSubmatch(name); m != nil {
		return m[1]
	}

	return strings.TrimSuffix(name, filepath.Ext(name))
}

// TokenFromDate reduces a catalog date ("2024-05-12") to its year-month token.
func TokenFromDate(date string) string {
	date = strings.TrimSpace(date)
	if len(date) < 7 || date[4] != '-' {
		return ""
	}

	return date[:7]
}

// SameFamily reports whether two file names belong to the same logical item family: same
// base name and same extension, regardless of version token.
func SameFamily(a, b string) bool {
	return BaseName(a) == BaseName(b) && filepath.Ext(a) == filepath.Ext(b)
}

// DestPath is where an item's file lives: <data_dir>/<category>/<file name>.
func DestPath(dataDir string, item *Item, d *Descriptor) string {
	name := d.FileName
	if name == "" {
		name = item.FileName()
	}

	return filepath.Join(dataDir, categoryDir(item), filepath.Base(name))
}

// FamilyKey identifies the local file family of an item as "<category>/<base><ext>".
// Items that share a key write to the same destination whatever their id.
func FamilyKey(item *Item) string {
	name := item.FileName()
	if name == "" {
		name = item.Name
	}

	return categoryDir(item) + "/" + BaseName(name) + filepath.Ext(name)
}

func categoryDir(item *Item) string {
	category := strings.Trim(filepath.Clean("/"+item.Category), "/")
	if category == "" || category == "." {
		return "other"
	}

	return category
}
