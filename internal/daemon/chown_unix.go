//go:build unix

package daemon

import (
	"os/user"
	"strconv"
	"syscall"
)

// chownToGroup chgrp's path to groupName, leaving the owning user
// untouched (spec section 4.1: socket is "owned by that group").
func chownToGroup(path, groupName string) error {
	if groupName == "" {
		return nil
	}
	grp, err := user.LookupGroup(groupName)
	if err != nil {
		return err
	}
	gid, err := strconv.Atoi(grp.Gid)
	if err != nil {
		return err
	}
	return syscall.Chown(path, -1, gid)
}
