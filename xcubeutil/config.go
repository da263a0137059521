/*
Copyright © 2018 the xcube authors.
This file is part of xcube.

xcube is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

xcube is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with xcube.  If not, see <http://www.gnu.org/licenses/>.
*/

package xcubeutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/lnashier/viper"
	"github.com/spf13/cast"

	"github.com/dcs4cop/xcube"
	"github.com/dcs4cop/xcube/input"
	"github.com/dcs4cop/xcube/output"
	"github.com/dcs4cop/xcube/store"
)

// LoadRequest reads the cube generation request named by the "request"
// configuration variable, expanding any environment variables in its
// path.
func LoadRequest(cfg *viper.Viper) (*xcube.Request, error) {
	path := os.ExpandEnv(cfg.GetString("request"))
	if path == "" {
		return nil, fmt.Errorf("xcube: you need to specify a request file (for example: --request=request.json)")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("xcube: problem opening request file: %v", err)
	}
	defer f.Close()
	req := new(xcube.Request)
	d := json.NewDecoder(f)
	d.DisallowUnknownFields()
	if err := d.Decode(req); err != nil {
		return nil, fmt.Errorf("xcube: problem reading request file %s: %v", path, err)
	}
	return req, nil
}

// NewGenerator builds a cube generator from the configuration: the data
// stores named by the "Stores" variable plus the built-in input
// processors and output writers.
func NewGenerator(ctx context.Context, cfg *viper.Viper) (*xcube.Generator, error) {
	stores, err := StoreRegistry(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return xcube.NewGenerator(stores, input.Registry(), output.Registry()), nil
}

// StoreRegistry builds the data store registry from the "Stores"
// configuration variable. A location with a URL scheme other than
// "file" is opened as a blob storage bucket; "mem://" gives an
// in-process store; anything else is a local directory.
func StoreRegistry(ctx context.Context, cfg *viper.Viper) (*store.Registry, error) {
	locations := getStringMapString("Stores", cfg)
	reg := store.NewRegistry()
	for id, loc := range locations {
		s, err := openStore(ctx, os.ExpandEnv(loc))
		if err != nil {
			return nil, fmt.Errorf("xcube: problem opening store %s: %v", id, err)
		}
		reg.Register(id, s)
	}
	return reg, nil
}

func openStore(ctx context.Context, loc string) (store.Store, error) {
	if loc == "mem://" {
		return store.NewMemory(), nil
	}
	u, err := url.Parse(loc)
	if err != nil || u.Scheme == "" || u.Scheme == "file" {
		return store.NewLocal(strings.TrimPrefix(loc, "file://"))
	}
	return store.OpenBlob(ctx, loc)
}

// getStringMapString returns a map[string]string from a viper
// configuration, accounting for the fact that it might be a json object
// if it was set from a command line argument.
func getStringMapString(varName string, cfg *viper.Viper) map[string]string {
	i := cfg.Get(varName)
	switch i.(type) {
	case map[string]string:
		return i.(map[string]string)
	case map[string]interface{}:
		return cast.ToStringMapString(i)
	case string:
		b := bytes.NewBuffer(([]byte)(i.(string)))
		d := json.NewDecoder(b)
		o := make(map[string]string)
		if err := d.Decode(&o); err != nil {
			panic(err)
		}
		return o
	default:
		panic(fmt.Errorf("invalid type for getStringMapString variable %s: %#v", varName, i))
	}
}
